//go:build integration

package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/testutil"
)

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	client := testutil.RedisTest(t)
	b := NewTokenBucket(client, Config{Rate: 10, Burst: 3})
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		res, err := b.Allow(ctx, "user:a")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d within burst", i)
	}
	res, err := b.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	other, err := b.Allow(ctx, "user:b")
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	time.Sleep(150 * time.Millisecond)
	res, err = b.Allow(ctx, "user:a")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucket_Middleware429(t *testing.T) {
	client := testutil.RedisTest(t)
	r := gin.New()
	r.Use(NewTokenBucket(client, Config{Rate: 0.01, Burst: 1}).Middleware(logging.Discard()))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestLocker_SingleHolder(t *testing.T) {
	client := testutil.RedisTest(t)
	l := NewLocker(client)
	ctx := t.Context()

	tok, ok, err := l.TryLock(ctx, "settle:lock:sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "settle:lock:sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, "settle:lock:sweep", "not-the-token"))
	_, ok, err = l.TryLock(ctx, "settle:lock:sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release")

	require.NoError(t, l.Release(ctx, "settle:lock:sweep", tok))
	_, ok, err = l.TryLock(ctx, "settle:lock:sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
