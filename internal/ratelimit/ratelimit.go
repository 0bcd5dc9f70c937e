// Package ratelimit provides a Redis-backed token bucket shared by every
// server instance, plus the gin middleware that applies it.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/logging"
	"github.com/mbd888/promptsettle/internal/metrics"
)

// The bucket lives in one hash per key; Redis TIME keeps every instance on
// the same clock.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// Config configures the bucket.
type Config struct {
	// Rate is tokens refilled per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// Prefix namespaces keys in Redis.
	Prefix string
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{Rate: 5, Burst: 20, Prefix: "settle:rl:"}
}

// Result is one bucket decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
	cfg    Config
}

// NewTokenBucket creates a bucket over client.
func NewTokenBucket(client *redis.Client, cfg Config) *TokenBucket {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		cfg:    cfg,
	}
}

// Allow takes one token from key's bucket.
func (t *TokenBucket) Allow(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, errors.New("rate limiter key is empty")
	}
	if t.cfg.Rate <= 0 || t.cfg.Burst <= 0 {
		return Result{}, errors.New("rate limiter rate and burst must be positive")
	}

	res, err := t.script.Run(ctx, t.client, []string{t.cfg.Prefix + key},
		t.cfg.Rate, t.cfg.Burst, bucketTTL(t.cfg).Milliseconds(),
	).Slice()
	if err != nil {
		return Result{}, err
	}
	if len(res) < 2 {
		return Result{}, errors.New("invalid rate limit script response")
	}

	allowed, _ := res[0].(int64)
	remaining := 0.0
	if s, ok := res[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}

	out := Result{Allowed: allowed == 1, Remaining: int(remaining)}
	if !out.Allowed {
		out.RetryAfter = time.Duration((1 - remaining) / t.cfg.Rate * float64(time.Second))
	}
	return out, nil
}

// bucketTTL keeps an idle bucket around for twice its full refill time.
func bucketTTL(cfg Config) time.Duration {
	seconds := math.Ceil(float64(cfg.Burst) / cfg.Rate * 2)
	return time.Duration(max(seconds, 1)) * time.Second
}

// Middleware limits requests per authenticated user, falling back to the
// client IP. Redis failures let the request through.
func (t *TokenBucket) Middleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if actor := logging.Actor(c.Request.Context()); actor != "" {
			key = "user:" + actor
		}

		res, err := t.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !res.Allowed {
			metrics.RateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			apierr.Respond(c, apierr.ErrRateLimited)
			c.Abort()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Next()
	}
}
