package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/storage/postgres"
)

// DefaultKeyPrefix namespaces permission entries in Redis
const DefaultKeyPrefix = "spoke-iam:perms"

// RedisBackend shares permission sets across instances. Values are JSON
// arrays of permission names.
type RedisBackend struct {
	client *postgres.RedisClient
	prefix string
}

// NewRedisBackend creates a backend over client. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisBackend(client *postgres.RedisClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Name implements Backend
func (b *RedisBackend) Name() string { return "redis" }

// Get implements Backend
func (b *RedisBackend) Get(ctx context.Context, principalID int64) (rbac.PermissionSet, error) {
	data, err := b.client.Get(ctx, b.key(principalID))
	if errors.Is(err, postgres.ErrCacheMiss) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("failed to decode cached permissions: %w", err)
	}
	perms := make([]rbac.PermissionName, len(names))
	for i, n := range names {
		perms[i] = rbac.PermissionName(n)
	}
	return rbac.NewPermissionSet(perms...), nil
}

// Set implements Backend
func (b *RedisBackend) Set(ctx context.Context, principalID int64, perms rbac.PermissionSet, ttl time.Duration) error {
	data, err := json.Marshal(perms.Strings())
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	return b.client.Set(ctx, b.key(principalID), data, ttl)
}

// Delete implements Backend
func (b *RedisBackend) Delete(ctx context.Context, principalIDs ...int64) error {
	keys := make([]string, len(principalIDs))
	for i, id := range principalIDs {
		keys[i] = b.key(id)
	}
	return b.client.Del(ctx, keys...)
}

// Flush implements Backend
func (b *RedisBackend) Flush(ctx context.Context) error {
	return b.client.InvalidatePatterns(ctx, b.prefix+":*")
}

func (b *RedisBackend) key(principalID int64) string {
	return b.prefix + ":" + strconv.FormatInt(principalID, 10)
}
