package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter counts requests per key in a fixed window shared by every
// instance pointing at the same Redis.
type RedisLimiter struct {
	redis  redis.UniversalClient
	cfg    RateLimitConfig
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Burst is added to the window budget.
func NewRedisLimiter(client redis.UniversalClient, cfg RateLimitConfig, prefix string) *RedisLimiter {
	def := DefaultRateLimitConfig()
	if cfg.RequestsPerWindow <= 0 {
		cfg.RequestsPerWindow = def.RequestsPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if prefix == "" {
		prefix = "bastion:ratelimit"
	}
	return &RedisLimiter{redis: client, cfg: cfg, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	// The window is anchored at the first request of a key.
	if ttl.Val() < 0 {
		if err := l.redis.PExpire(ctx, redisKey, l.cfg.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
		}
	}

	budget := int64(l.cfg.RequestsPerWindow + l.cfg.Burst)
	count := incr.Val()
	res := Result{Limit: l.cfg.RequestsPerWindow, Allowed: count <= budget}
	if remaining := budget - count; remaining > 0 {
		res.Remaining = int(remaining)
	}
	if !res.Allowed {
		res.RetryAfter = ttl.Val()
		if res.RetryAfter <= 0 {
			res.RetryAfter = l.cfg.Window
		}
	}
	return res, nil
}

// Reset clears the window of a key.
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("%s:%s", l.prefix, key)).Err()
}
