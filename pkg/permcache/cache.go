package permcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/spoke-iam/pkg/async"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
)

const (
	// DefaultTTL bounds how long an entry may live without invalidation
	DefaultTTL = time.Hour

	// DefaultResolveTimeout bounds a single resolution on a cache miss
	DefaultResolveTimeout = 2 * time.Second
)

// Resolver computes a principal's effective permissions from the store
type Resolver interface {
	ResolveEffectivePermissions(ctx context.Context, principalID int64) (rbac.PermissionSet, error)
}

// RoleIndex finds the principals affected by a role change
type RoleIndex interface {
	HierarchyEdges(ctx context.Context) ([]rbac.HierarchyEdge, error)
	PrincipalsHoldingRoles(ctx context.Context, roleIDs []int64) ([]int64, error)
}

// Cache serves permission sets from a Backend and resolves misses through
// the Resolver. It is safe for concurrent use.
type Cache struct {
	backend        Backend
	resolver       Resolver
	roles          RoleIndex
	ttl            time.Duration
	resolveTimeout time.Duration
	metrics        *observability.Metrics
	logger         *logrus.Logger

	group singleflight.Group

	mu         sync.Mutex
	generation uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL sets the entry TTL passed to the backend
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithResolveTimeout bounds each resolution on a miss
func WithResolveTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.resolveTimeout = d
		}
	}
}

// WithMetrics records hits, misses, invalidations and compute errors
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a cache over backend
func New(backend Backend, resolver Resolver, roles RoleIndex, opts ...Option) *Cache {
	c := &Cache{
		backend:        backend,
		resolver:       resolver,
		roles:          roles,
		ttl:            DefaultTTL,
		resolveTimeout: DefaultResolveTimeout,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached set, if any. Backend errors count as a miss.
func (c *Cache) Get(ctx context.Context, principalID int64) (rbac.PermissionSet, bool) {
	perms, err := c.backend.Get(ctx, principalID)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"principal_id": principalID,
				"backend":      c.backend.Name(),
			}).Warn("Permission cache read failed, treating as miss")
		}
		c.metrics.CacheMiss(c.backend.Name())
		return nil, false
	}
	c.metrics.CacheHit(c.backend.Name())
	return perms, true
}

// GetOrCompute returns the cached set or resolves it. Concurrent misses for
// the same principal share one resolution. A resolution failure is wrapped
// in ErrStoreUnavailable.
func (c *Cache) GetOrCompute(ctx context.Context, principalID int64) (rbac.PermissionSet, error) {
	if perms, ok := c.Get(ctx, principalID); ok {
		return perms, nil
	}

	// keying on the generation keeps callers arriving after an
	// invalidation from joining a resolution that started before it
	gen := c.currentGeneration()
	key := strconv.FormatUint(gen, 10) + ":" + strconv.FormatInt(principalID, 10)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.compute(context.WithoutCancel(ctx), principalID, gen)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(rbac.PermissionSet), nil
	}
}

func (c *Cache) compute(ctx context.Context, principalID int64, gen uint64) (rbac.PermissionSet, error) {
	ctx, cancel := context.WithTimeout(ctx, c.resolveTimeout)
	defer cancel()

	start := time.Now()
	perms, err := c.resolver.ResolveEffectivePermissions(ctx, principalID)
	c.metrics.CacheCompute(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return perms, nil
	}
	if err := c.backend.Set(ctx, principalID, perms, c.ttl); err != nil {
		c.logger.WithError(err).WithField("principal_id", principalID).Warn("Failed to store permission set")
	}
	return perms, nil
}

// Invalidate evicts one principal's entry
func (c *Cache) Invalidate(ctx context.Context, principalID int64) error {
	c.bump()
	c.metrics.CacheInvalidation("principal")
	if err := c.backend.Delete(ctx, principalID); err != nil {
		return fmt.Errorf("failed to invalidate principal %d: %w", principalID, err)
	}
	return nil
}

// InvalidateRole evicts every principal holding roleID or any role that
// inherits from it. If the holders cannot be determined the whole cache is
// flushed instead.
func (c *Cache) InvalidateRole(ctx context.Context, roleID int64) error {
	c.bump()
	c.metrics.CacheInvalidation("role")

	principals, err := c.holders(ctx, roleID)
	if err != nil {
		c.logger.WithError(err).WithField("role_id", roleID).Warn("Failed to find role holders, flushing permission cache")
		return c.InvalidateAll(ctx)
	}
	if len(principals) == 0 {
		return nil
	}
	if err := c.backend.Delete(ctx, principals...); err != nil {
		return fmt.Errorf("failed to invalidate role %d: %w", roleID, err)
	}
	return nil
}

// InvalidateAll flushes every entry. Intended for bulk and admin operations.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	c.bump()
	c.metrics.CacheInvalidation("all")
	if err := c.backend.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush permission cache: %w", err)
	}
	return nil
}

// WarmUp resolves and stores the given principals using up to workers
// concurrent resolutions. It returns the joined failures.
func (c *Cache) WarmUp(ctx context.Context, principalIDs []int64, workers int) error {
	errs := async.Batch(ctx, principalIDs, workers, c.resolveTimeout, func(ctx context.Context, id int64) error {
		_, err := c.GetOrCompute(ctx, id)
		return err
	})
	return errors.Join(errs...)
}

// HasPermission reports whether the principal currently holds permission
func (c *Cache) HasPermission(ctx context.Context, principalID int64, permission string) (bool, error) {
	perms, err := c.GetOrCompute(ctx, principalID)
	if err != nil {
		return false, err
	}
	return perms.Has(rbac.NewPermissionName(permission)), nil
}

func (c *Cache) holders(ctx context.Context, roleID int64) ([]int64, error) {
	edges, err := c.roles.HierarchyEdges(ctx)
	if err != nil {
		return nil, err
	}
	roles := append([]int64{roleID}, rbac.NewGraph(edges).Descendants(roleID)...)
	return c.roles.PrincipalsHoldingRoles(ctx, roles)
}

// bump starts a new generation. Results computed under an older one are
// returned to their callers but never stored.
func (c *Cache) bump() {
	c.mu.Lock()
	c.generation++
	c.mu.Unlock()
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}
