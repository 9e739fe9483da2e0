package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisClientTest creates a miniredis instance and a client connected to it
func setupRedisClientTest(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisConfig{
		URL:        "redis://" + mr.Addr(),
		MaxRetries: 1,
		PoolSize:   4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(RedisConfig{URL: "invalid://url"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis URL")
}

func TestNewRedisClient_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(RedisConfig{URL: "redis://" + addr})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestRedisClient_GetSetDel(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, client.Set(ctx, "k1", []byte("v1"), time.Minute))
	got, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
	assert.Equal(t, time.Minute, mr.TTL("k1"))

	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, client.Set(ctx, "k2", []byte("v2"), 0))
	require.NoError(t, client.Del(ctx, "k2", "never-set"))
	assert.False(t, mr.Exists("k2"))

	assert.NoError(t, client.Del(ctx))
}

func TestRedisClient_InvalidatePatterns(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	for _, key := range []string{"perms:1", "perms:2", "ratelimit:ip:a"} {
		require.NoError(t, mr.Set(key, "x"))
	}

	require.NoError(t, client.InvalidatePatterns(ctx, "perms:*"))
	assert.False(t, mr.Exists("perms:1"))
	assert.False(t, mr.Exists("perms:2"))
	assert.True(t, mr.Exists("ratelimit:ip:a"))
}

func TestRedisClient_IncrWindow(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := client.IncrWindow(ctx, "window", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, time.Minute, mr.TTL("window"))

	// the window is fixed: later increments do not extend it
	mr.FastForward(30 * time.Second)
	_, err := client.IncrWindow(ctx, "window", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("window"))

	mr.FastForward(31 * time.Second)
	n, err := client.IncrWindow(ctx, "window", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisClient_PingAfterServerStops(t *testing.T) {
	client, mr := setupRedisClientTest(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	mr.Close()
	assert.Error(t, client.Ping(ctx))
}
