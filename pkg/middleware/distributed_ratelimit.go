package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter implements fixed-window rate limiting using Redis
// This allows rate limits to be shared across multiple instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if prefix == "" {
		prefix = "logoforge:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config.withDefaults(),
		prefix: prefix,
		now:    time.Now,
	}
}

// Name identifies the limiter in metrics
func (rl *DistributedRateLimiter) Name() string { return "redis" }

func (rl *DistributedRateLimiter) window(key string) (string, time.Duration) {
	now := rl.now()
	size := rl.config.WindowDuration
	start := now.Truncate(size)
	return fmt.Sprintf("%s:%s:%d", rl.prefix, key, start.Unix()), start.Add(size).Sub(now)
}

// Allow counts the request against the key's current window
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey, untilReset := rl.window(key)

	// Use Redis pipeline so INCR and EXPIRE travel together
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)

	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Limit: rl.config.RequestsPerWindow}, fmt.Errorf("redis error: %w", err)
	}

	count := int(incr.Val())
	d := Decision{
		Allowed:   count <= rl.config.RequestsPerWindow,
		Limit:     rl.config.RequestsPerWindow,
		Remaining: rl.config.RequestsPerWindow - count,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = untilReset
	}
	return d, nil
}
