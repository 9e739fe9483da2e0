package middleware

import (
	"context"
	"fmt"
	"time"
)

// WindowCounter increments a counter that resets every window.
// *postgres.RedisClient implements it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// DistributedRateLimiter implements fixed-window rate limiting in Redis so
// limits are shared across instances
type DistributedRateLimiter struct {
	counter WindowCounter
	config  RateLimitConfig
	prefix  string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(counter WindowCounter, config RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = DefaultLoginRateLimitConfig()
	}
	if prefix == "" {
		prefix = "spoke-iam:ratelimit"
	}
	return &DistributedRateLimiter{
		counter: counter,
		config:  config,
		prefix:  prefix,
	}
}

// Allow checks if a request is allowed. The burst is added to the window
// budget since a fixed window has no separate bucket.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := rl.counter.IncrWindow(ctx, fmt.Sprintf("%s:%s", rl.prefix, key), rl.config.WindowDuration)
	if err != nil {
		return false, err
	}
	return count <= int64(rl.config.RequestsPerWindow+rl.config.BurstSize), nil
}
