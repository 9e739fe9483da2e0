package permcache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/spoke-iam/pkg/rbac"
)

// Backend stores permission sets keyed by principal id
type Backend interface {
	// Name labels the backend in metrics
	Name() string
	// Get returns ErrCacheMiss when no live entry exists
	Get(ctx context.Context, principalID int64) (rbac.PermissionSet, error)
	Set(ctx context.Context, principalID int64, perms rbac.PermissionSet, ttl time.Duration) error
	Delete(ctx context.Context, principalIDs ...int64) error
	Flush(ctx context.Context) error
}

// LRUBackend is an in-process backend bounded by entry count. Entries
// expire after the TTL given at construction; the per-call ttl is ignored.
type LRUBackend struct {
	cache *lru.LRU[int64, rbac.PermissionSet]
}

// NewLRUBackend creates an in-process backend holding up to size entries
func NewLRUBackend(size int, ttl time.Duration) *LRUBackend {
	if size < 10 {
		size = 10
	}
	return &LRUBackend{
		cache: lru.NewLRU[int64, rbac.PermissionSet](size, nil, ttl),
	}
}

// Name implements Backend
func (b *LRUBackend) Name() string { return "lru" }

// Get implements Backend
func (b *LRUBackend) Get(_ context.Context, principalID int64) (rbac.PermissionSet, error) {
	perms, ok := b.cache.Get(principalID)
	if !ok {
		return nil, ErrCacheMiss
	}
	return perms, nil
}

// Set implements Backend
func (b *LRUBackend) Set(_ context.Context, principalID int64, perms rbac.PermissionSet, _ time.Duration) error {
	b.cache.Add(principalID, perms)
	return nil
}

// Delete implements Backend
func (b *LRUBackend) Delete(_ context.Context, principalIDs ...int64) error {
	for _, id := range principalIDs {
		b.cache.Remove(id)
	}
	return nil
}

// Flush implements Backend
func (b *LRUBackend) Flush(_ context.Context) error {
	b.cache.Purge()
	return nil
}

// Len returns the number of cached entries
func (b *LRUBackend) Len() int {
	return b.cache.Len()
}
