package rbac

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/storage/sqlitetest"
)

var testNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

var testActor = Actor{PrincipalID: 1, IP: "192.0.2.1", UserAgent: "rbac-test"}

type fakeInvalidator struct {
	mu         sync.Mutex
	principals []int64
	roles      []int64
	err        error
}

func (f *fakeInvalidator) Invalidate(_ context.Context, principalID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principals = append(f.principals, principalID)
	return f.err
}

func (f *fakeInvalidator) InvalidateRole(_ context.Context, roleID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, roleID)
	return f.err
}

type recordingEmitter struct {
	mu      sync.Mutex
	records []audit.Record
}

func (e *recordingEmitter) Emit(rec audit.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, rec)
}

func (e *recordingEmitter) last() audit.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[len(e.records)-1]
}

func (e *recordingEmitter) actions() []audit.ActionType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]audit.ActionType, len(e.records))
	for i, r := range e.records {
		out[i] = r.ActionType
	}
	return out
}

type testEnv struct {
	db      *sql.DB
	store   *Store
	manager *Manager
	cache   *fakeInvalidator
	audit   *recordingEmitter
	logs    *test.Hook
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := sqlitetest.Open(t)
	store := NewStore(db)
	cache := &fakeInvalidator{}
	emitter := &recordingEmitter{}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return &testEnv{
		db:      db,
		store:   store,
		manager: NewManager(store, cache, emitter, logger, WithManagerClock(func() time.Time { return testNow })),
		cache:   cache,
		audit:   emitter,
		logs:    hook,
	}
}

func (e *testEnv) resolver() *Resolver {
	return NewResolver(e.store, WithClock(func() time.Time { return testNow }))
}

func (e *testEnv) role(t *testing.T, name string) *Role {
	t.Helper()
	r, err := e.manager.CreateRole(context.Background(), testActor, RoleInput{Name: name})
	require.NoError(t, err)
	return r
}

func (e *testEnv) permission(t *testing.T, name string) *Permission {
	t.Helper()
	p, err := e.manager.CreatePermission(context.Background(), testActor, name, "test")
	require.NoError(t, err)
	return p
}

func (e *testEnv) grant(t *testing.T, role *Role, perms ...*Permission) {
	t.Helper()
	ids := make([]int64, len(perms))
	for i, p := range perms {
		ids[i] = p.ID
	}
	require.NoError(t, e.manager.SetRolePermissions(context.Background(), testActor, role.ID, ids))
}

func (e *testEnv) edge(t *testing.T, parent, child *Role) {
	t.Helper()
	_, err := e.manager.AddHierarchyEdge(context.Background(), testActor, parent.ID, child.ID)
	require.NoError(t, err)
}

func (e *testEnv) assign(t *testing.T, principalID int64, role *Role, start, end *time.Time) *RoleAssignment {
	t.Helper()
	a, err := e.manager.AssignRole(context.Background(), testActor, AssignmentInput{
		PrincipalID: principalID,
		RoleID:      role.ID,
		StartDate:   start,
		EndDate:     end,
	})
	require.NoError(t, err)
	return a
}

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}
