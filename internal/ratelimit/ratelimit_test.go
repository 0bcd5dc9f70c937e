package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBucketTTL(t *testing.T) {
	tests := []struct {
		cfg  Config
		want time.Duration
	}{
		{Config{Rate: 10, Burst: 20}, 4 * time.Second},
		{Config{Rate: 1, Burst: 5}, 10 * time.Second},
		{Config{Rate: 100, Burst: 1}, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucketTTL(tt.cfg), "%+v", tt.cfg)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.Rate, 0.0)
	assert.Greater(t, cfg.Burst, 0)
	assert.Equal(t, "settle:rl:", cfg.Prefix)

	b := NewTokenBucket(nil, Config{Rate: 1, Burst: 1})
	assert.Equal(t, cfg.Prefix, b.cfg.Prefix)
}

func TestAllow_RejectsBadInput(t *testing.T) {
	b := NewTokenBucket(nil, Config{Rate: 1, Burst: 1})
	_, err := b.Allow(t.Context(), "")
	assert.Error(t, err)

	b = NewTokenBucket(nil, Config{Rate: 0, Burst: 1})
	_, err = b.Allow(t.Context(), "k")
	assert.Error(t, err)
}

func TestMiddleware_FailsOpenWhenRedisDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer func() { _ = client.Close() }()

	r := gin.New()
	r.Use(NewTokenBucket(client, Config{Rate: 1, Burst: 1}).Middleware(logging.Discard()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}
}

func TestNewLocker_NilClient(t *testing.T) {
	assert.Nil(t, NewLocker(nil))

	var l *Locker
	_, ok, err := l.TryLock(t.Context(), "k", time.Second)
	assert.False(t, ok)
	assert.Error(t, err)
	assert.NoError(t, l.Release(t.Context(), "k", "tok"))
}
