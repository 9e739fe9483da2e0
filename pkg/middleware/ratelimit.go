package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
	"github.com/platinummonkey/spoke-iam/pkg/httputil"
)

// Limiter decides whether one more request for key is allowed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultLoginRateLimitConfig allows 10 login attempts per minute per client
// IP with a burst of 5
func DefaultLoginRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
		BurstSize:         5,
	}
}

// RateLimiter is an in-process token bucket limiter keyed by string
type RateLimiter struct {
	config   RateLimitConfig
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerWindow <= 0 || config.WindowDuration <= 0 {
		config = DefaultLoginRateLimitConfig()
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		config:   config,
		limit:    rate.Limit(float64(config.RequestsPerWindow) / config.WindowDuration.Seconds()),
		burst:    burst,
		limiters: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := rl.now()

	rl.mu.Lock()
	v, ok := rl.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1), nil
}

// Cleanup removes limiters idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	cutoff := rl.now().Add(-2 * rl.config.WindowDuration)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// StartCleanup runs Cleanup once per window until ctx is cancelled
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (rl *RateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// RateLimitMiddleware limits requests per client IP
type RateLimitMiddleware struct {
	limiter    Limiter
	retryAfter time.Duration
	logger     *logrus.Logger
}

// NewRateLimitMiddleware creates a per client IP rate limit middleware.
// retryAfter is advertised to rejected clients.
func NewRateLimitMiddleware(limiter Limiter, retryAfter time.Duration, logger *logrus.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = logrus.New()
	}
	return &RateLimitMiddleware{limiter: limiter, retryAfter: retryAfter, logger: logger}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := contextkeys.GetClientIP(r.Context())
		if ip == "" {
			ip = httputil.ClientIP(r, false)
		}

		allowed, err := m.limiter.Allow(r.Context(), "ip:"+ip)
		if err != nil {
			// fail open
			m.logger.WithError(err).Warn("Rate limiter unavailable, allowing request")
			allowed = true
		}
		if !allowed {
			m.logger.WithFields(logrus.Fields{
				"ip":   ip,
				"path": r.URL.Path,
			}).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(m.retryAfter.Seconds()))))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
