package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/storage/postgres"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
		BurstSize:         3,
	}
	limiter := NewRateLimiter(config)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	allowed := 0
	for i := 0; i < 10; i++ {
		ok, err := limiter.Allow(context.Background(), "ip:1")
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, config.BurstSize, allowed)

	// a different key has its own bucket
	ok, _ := limiter.Allow(context.Background(), "ip:2")
	assert.True(t, ok)

	// 10 per minute refills one token every 6s
	now = now.Add(7 * time.Second)
	ok, _ = limiter.Allow(context.Background(), "ip:1")
	assert.True(t, ok)
	ok, _ = limiter.Allow(context.Background(), "ip:1")
	assert.False(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(DefaultLoginRateLimitConfig())
	now := time.Now()
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), "ip:old")
	now = now.Add(3 * time.Minute)
	limiter.Allow(context.Background(), "ip:new")

	limiter.Cleanup()
	assert.Equal(t, 1, limiter.size())
}

func TestNewRateLimiter_InvalidConfigUsesDefault(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{})
	assert.Equal(t, DefaultLoginRateLimitConfig(), limiter.config)
}

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour, BurstSize: 1})
	mw := NewRateLimitMiddleware(limiter, time.Minute, logger)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("192.0.2.1:1000").Code)

	w := send("192.0.2.1:2000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.NotEmpty(t, hook.Entries)

	assert.Equal(t, http.StatusOK, send("192.0.2.2:1000").Code)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	logger, hook := test.NewNullLogger()
	mw := NewRateLimitMiddleware(erroringLimiter{}, time.Minute, logger)
	handler := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/auth/login", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Rate limiter unavailable, allowing request", hook.LastEntry().Message)
}

func TestDistributedRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := postgres.NewRedisClient(postgres.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	limiter := NewDistributedRateLimiter(client, RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	}, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ip:1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := limiter.Allow(ctx, "ip:1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, time.Minute, mr.TTL("spoke-iam:ratelimit:ip:1"))

	mr.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "ip:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedRateLimiter_RedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := postgres.NewRedisClient(postgres.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	limiter := NewDistributedRateLimiter(client, DefaultLoginRateLimitConfig(), "")
	mr.SetError("READONLY")

	_, err = limiter.Allow(context.Background(), "ip:1")
	assert.Error(t, err)
}
