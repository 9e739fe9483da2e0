package permcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/storage/sqlitetest"
)

var testNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

var testActor = rbac.Actor{PrincipalID: 1, IP: "192.0.2.1", UserAgent: "permcache-test"}

type stubResolver struct {
	calls   atomic.Int32
	perms   map[int64]rbac.PermissionSet
	err     error
	release chan struct{}
	started chan struct{}
}

func (r *stubResolver) ResolveEffectivePermissions(ctx context.Context, principalID int64) (rbac.PermissionSet, error) {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.perms[principalID], nil
}

type stubRoles struct {
	edges   []rbac.HierarchyEdge
	holders map[int64][]int64
	err     error
	asked   [][]int64
}

func (s *stubRoles) HierarchyEdges(context.Context) ([]rbac.HierarchyEdge, error) {
	return s.edges, s.err
}

func (s *stubRoles) PrincipalsHoldingRoles(_ context.Context, roleIDs []int64) ([]int64, error) {
	s.asked = append(s.asked, roleIDs)
	var out []int64
	for _, id := range roleIDs {
		out = append(out, s.holders[id]...)
	}
	return out, nil
}

type failingBackend struct {
	*LRUBackend
}

func (failingBackend) Get(context.Context, int64) (rbac.PermissionSet, error) {
	return nil, errors.New("connection refused")
}

func TestCache_GetOrComputeStoresResult(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	resolver := &stubResolver{perms: map[int64]rbac.PermissionSet{5: rbac.NewPermissionSet("P1")}}
	cache := New(NewLRUBackend(100, time.Hour), resolver, &stubRoles{}, WithMetrics(metrics))

	_, ok := cache.Get(ctx, 5)
	assert.False(t, ok)

	perms, err := cache.GetOrCompute(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, perms.Strings())

	perms, err = cache.GetOrCompute(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, perms.Strings())
	assert.Equal(t, int32(1), resolver.calls.Load())

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("lru")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("lru")))
}

func TestCache_ResolverErrorIsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("connection reset")
	resolver := &stubResolver{err: storeErr}
	backend := NewLRUBackend(100, time.Hour)
	cache := New(backend, resolver, &stubRoles{})

	perms, err := cache.GetOrCompute(ctx, 5)
	assert.Nil(t, perms)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, 0, backend.Len())

	allowed, err := cache.HasPermission(ctx, 5, "P1")
	assert.False(t, allowed)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestCache_ResolveTimeout(t *testing.T) {
	resolver := &stubResolver{release: make(chan struct{})}
	cache := New(NewLRUBackend(100, time.Hour), resolver, &stubRoles{}, WithResolveTimeout(20*time.Millisecond))

	_, err := cache.GetOrCompute(context.Background(), 5)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_CallerCancellation(t *testing.T) {
	resolver := &stubResolver{release: make(chan struct{}), started: make(chan struct{}, 1)}
	cache := New(NewLRUBackend(100, time.Hour), resolver, &stubRoles{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.GetOrCompute(ctx, 5)
		errCh <- err
	}()

	<-resolver.started
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	close(resolver.release)
}

func TestCache_BackendErrorCountsAsMiss(t *testing.T) {
	logger, hook := test.NewNullLogger()
	resolver := &stubResolver{perms: map[int64]rbac.PermissionSet{5: rbac.NewPermissionSet("P1")}}
	cache := New(failingBackend{NewLRUBackend(100, time.Hour)}, resolver, &stubRoles{}, WithLogger(logger))

	perms, err := cache.GetOrCompute(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, perms.Strings())
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "treating as miss")
}

func TestCache_ConcurrentMissesShareResolution(t *testing.T) {
	resolver := &stubResolver{
		perms:   map[int64]rbac.PermissionSet{5: rbac.NewPermissionSet("P1")},
		release: make(chan struct{}),
		started: make(chan struct{}, 16),
	}
	cache := New(NewLRUBackend(100, time.Hour), resolver, &stubRoles{})

	var wg sync.WaitGroup
	results := make([]rbac.PermissionSet, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			perms, err := cache.GetOrCompute(context.Background(), 5)
			assert.NoError(t, err)
			results[i] = perms
		}(i)
	}

	<-resolver.started
	time.Sleep(50 * time.Millisecond)
	close(resolver.release)
	wg.Wait()

	assert.Equal(t, int32(1), resolver.calls.Load())
	for _, r := range results {
		assert.Equal(t, []string{"P1"}, r.Strings())
	}
}

func TestCache_InvalidationDuringComputeDiscardsResult(t *testing.T) {
	ctx := context.Background()
	resolver := &stubResolver{
		perms:   map[int64]rbac.PermissionSet{5: rbac.NewPermissionSet("P1")},
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	backend := NewLRUBackend(100, time.Hour)
	cache := New(backend, resolver, &stubRoles{})

	done := make(chan rbac.PermissionSet, 1)
	go func() {
		perms, err := cache.GetOrCompute(ctx, 5)
		assert.NoError(t, err)
		done <- perms
	}()

	<-resolver.started
	require.NoError(t, cache.Invalidate(ctx, 5))
	close(resolver.release)

	assert.Equal(t, []string{"P1"}, (<-done).Strings())
	assert.Equal(t, 0, backend.Len())
}

func TestCache_InvalidateRoleEvictsDescendantHolders(t *testing.T) {
	ctx := context.Background()
	backend := NewLRUBackend(100, time.Hour)
	roles := &stubRoles{
		// 1 -> 2 -> 3, 4 unrelated
		edges: []rbac.HierarchyEdge{
			{ParentRoleID: 1, ChildRoleID: 2, InheritanceLevel: 1},
			{ParentRoleID: 2, ChildRoleID: 3, InheritanceLevel: 2},
		},
		holders: map[int64][]int64{1: {10}, 2: {20}, 3: {30}, 4: {40}},
	}
	cache := New(backend, &stubResolver{}, roles)

	for _, id := range []int64{10, 20, 30, 40} {
		require.NoError(t, backend.Set(ctx, id, rbac.NewPermissionSet("P1"), time.Hour))
	}

	require.NoError(t, cache.InvalidateRole(ctx, 2))
	assert.Equal(t, [][]int64{{2, 3}}, roles.asked)

	for id, want := range map[int64]bool{10: true, 20: false, 30: false, 40: true} {
		_, ok := cache.Get(ctx, id)
		assert.Equal(t, want, ok, "principal %d", id)
	}
}

func TestCache_InvalidateRoleFallsBackToFlush(t *testing.T) {
	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	backend := NewLRUBackend(100, time.Hour)
	cache := New(backend, &stubResolver{}, &stubRoles{err: errors.New("db down")}, WithLogger(logger))

	require.NoError(t, backend.Set(ctx, 10, rbac.NewPermissionSet("P1"), time.Hour))
	require.NoError(t, backend.Set(ctx, 40, rbac.NewPermissionSet("P1"), time.Hour))

	require.NoError(t, cache.InvalidateRole(ctx, 2))
	assert.Equal(t, 0, backend.Len())
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "flushing permission cache")
}

func TestCache_WarmUp(t *testing.T) {
	backend := NewLRUBackend(100, time.Hour)
	resolver := &stubResolver{perms: map[int64]rbac.PermissionSet{
		1: rbac.NewPermissionSet("a"),
		2: rbac.NewPermissionSet("b"),
		3: rbac.NewPermissionSet("c"),
	}}
	cache := New(backend, resolver, &stubRoles{})

	require.NoError(t, cache.WarmUp(context.Background(), []int64{1, 2, 3}, 2))
	assert.Equal(t, 3, backend.Len())

	resolver.err = errors.New("boom")
	require.NoError(t, cache.InvalidateAll(context.Background()))
	err := cache.WarmUp(context.Background(), []int64{1, 2}, 2)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

// The cache must always agree with a fresh resolution after each mutation
func TestCache_MatchesResolverAcrossMutations(t *testing.T) {
	ctx := context.Background()
	db := sqlitetest.Open(t)
	store := rbac.NewStore(db)
	resolver := rbac.NewResolver(store, rbac.WithClock(func() time.Time { return testNow }))
	cache := New(NewLRUBackend(100, time.Hour), resolver, store)
	logger, _ := test.NewNullLogger()
	manager := rbac.NewManager(store, cache, audit.NopEmitter{}, logger,
		rbac.WithManagerClock(func() time.Time { return testNow }))

	const principal = int64(42)
	assertFresh := func(step string) {
		t.Helper()
		want, err := resolver.ResolveEffectivePermissions(ctx, principal)
		require.NoError(t, err)
		got, err := cache.GetOrCompute(ctx, principal)
		require.NoError(t, err)
		assert.Equal(t, want.Strings(), got.Strings(), step)
	}

	managerRole, err := manager.CreateRole(ctx, testActor, rbac.RoleInput{Name: "Manager"})
	require.NoError(t, err)
	staff, err := manager.CreateRole(ctx, testActor, rbac.RoleInput{Name: "Staff"})
	require.NoError(t, err)
	p1, err := manager.CreatePermission(ctx, testActor, "P1", "test")
	require.NoError(t, err)
	p2, err := manager.CreatePermission(ctx, testActor, "P2", "test")
	require.NoError(t, err)

	_, err = manager.AssignRole(ctx, testActor, rbac.AssignmentInput{PrincipalID: principal, RoleID: staff.ID})
	require.NoError(t, err)
	assertFresh("assign")

	require.NoError(t, manager.SetRolePermissions(ctx, testActor, managerRole.ID, []int64{p1.ID}))
	assertFresh("grant to unrelated parent")

	_, err = manager.AddHierarchyEdge(ctx, testActor, managerRole.ID, staff.ID)
	require.NoError(t, err)
	assertFresh("add edge")
	got, _ := cache.GetOrCompute(ctx, principal)
	assert.Equal(t, []string{"P1"}, got.Strings())

	require.NoError(t, manager.SetRolePermissions(ctx, testActor, managerRole.ID, []int64{p1.ID, p2.ID}))
	assertFresh("grant on ancestor")

	require.NoError(t, manager.SetRoleActive(ctx, testActor, managerRole.ID, false))
	assertFresh("deactivate ancestor")

	require.NoError(t, manager.SetRoleActive(ctx, testActor, managerRole.ID, true))
	assertFresh("reactivate ancestor")

	require.NoError(t, manager.RemoveHierarchyEdge(ctx, testActor, managerRole.ID, staff.ID))
	assertFresh("remove edge")

	require.NoError(t, cache.InvalidateAll(ctx))
	assertFresh("flush")

	require.NoError(t, manager.RemoveRole(ctx, testActor, principal, staff.ID))
	assertFresh("remove role")
	got, _ = cache.GetOrCompute(ctx, principal)
	assert.Empty(t, got)
}
