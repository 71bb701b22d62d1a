package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RedisRateLimiterPrefix namespaces limiter keys in redis.
const RedisRateLimiterPrefix = "orgsvc:ratelimit:"

// RedisRateLimiter is a Limiter backed by redis_rate's GCRA implementation so
// every server instance draws from the same budget.
type RedisRateLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisRateLimiter creates a limiter on client using config's rate and burst.
func NewRedisRateLimiter(client redis.UniversalClient, config RateLimitConfig) *RedisRateLimiter {
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RedisRateLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  burst,
			Period: time.Minute,
		},
	}
}

// Allow takes one request from key's budget.
func (rl *RedisRateLimiter) Allow(ctx context.Context, key string) (LimitResult, error) {
	res, err := rl.limiter.Allow(ctx, RedisRateLimiterPrefix+key, rl.limit)
	if err != nil {
		return LimitResult{}, fmt.Errorf("redis rate limit: %w", err)
	}
	out := LimitResult{
		Allowed:   res.Allowed > 0,
		Limit:     rl.limit.Rate,
		Remaining: res.Remaining,
	}
	if !out.Allowed {
		out.RetryAfter = res.RetryAfter
	}
	return out, nil
}
