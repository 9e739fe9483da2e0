package session

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/storage/sqlitetest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupLedger(t *testing.T) (*Ledger, *sql.DB, *testClock) {
	t.Helper()
	db := sqlitetest.Open(t)
	clock := &testClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	return NewLedger(db, WithClock(clock.Now)), db, clock
}

func TestLedger_CreateStoresOnlyHash(t *testing.T) {
	ledger, db, clock := setupLedger(t)
	ctx := context.Background()

	raw := "eyJhbGciOiJIUzI1NiJ9.raw-refresh-token.signature"
	s, err := ledger.Create(ctx, 1, raw, DeviceMeta{DeviceInfo: "Firefox", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, auth.HashToken(raw), s.TokenHash)
	assert.Equal(t, clock.Now().Add(DefaultTTL), s.ExpiresAt)
	assert.Equal(t, LifecycleActive, s.State(clock.Now()))

	rows, err := db.Query(`SELECT id, token_hash, device_info, ip_address FROM sessions`)
	require.NoError(t, err)
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, hash, device, ip string
		require.NoError(t, rows.Scan(&id, &hash, &device, &ip))
		for _, v := range []string{id, hash, device, ip} {
			assert.NotEqual(t, raw, v, "raw refresh token must never be persisted")
		}
		count++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 1, count)
}

func TestLedger_FindActiveByHash(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ctx := context.Background()

	raw := "refresh-token-1"
	created, err := ledger.Create(ctx, 1, raw, DeviceMeta{})
	require.NoError(t, err)

	found, err := ledger.FindActiveByHash(ctx, auth.HashToken(raw))
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, int64(1), found.PrincipalID)

	// The raw token is not a valid lookup key.
	_, err = ledger.FindActiveByHash(ctx, raw)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ledger.FindActiveByHash(ctx, auth.HashToken("unknown"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_RevokeIsIdempotent(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ctx := context.Background()

	raw := "refresh-token-2"
	s, err := ledger.Create(ctx, 1, raw, DeviceMeta{})
	require.NoError(t, err)

	revoked, err := ledger.Revoke(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = ledger.Revoke(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, revoked)

	_, err = ledger.FindActiveByHash(ctx, auth.HashToken(raw))
	assert.ErrorIs(t, err, ErrNotFound)

	revoked, err = ledger.Revoke(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.False(t, revoked)

	sessions, err := ledger.ListActive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLedger_Rotate(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ctx := context.Background()

	old, err := ledger.Create(ctx, 1, "refresh-old", DeviceMeta{})
	require.NoError(t, err)

	next, err := ledger.Rotate(ctx, old.ID, 1, "refresh-new", DeviceMeta{DeviceInfo: "cli"})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, next.ID)

	_, err = ledger.FindActiveByHash(ctx, auth.HashToken("refresh-old"))
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := ledger.FindActiveByHash(ctx, auth.HashToken("refresh-new"))
	require.NoError(t, err)
	assert.Equal(t, next.ID, found.ID)

	// A second rotation of the same session writes nothing.
	_, err = ledger.Rotate(ctx, old.ID, 1, "refresh-newer", DeviceMeta{})
	assert.ErrorIs(t, err, ErrAlreadyRevoked)

	_, err = ledger.FindActiveByHash(ctx, auth.HashToken("refresh-newer"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_RotateConcurrentSingleWinner(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ctx := context.Background()

	old, err := ledger.Create(ctx, 1, "refresh-contested", DeviceMeta{})
	require.NoError(t, err)

	const attempts = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Rotate(ctx, old.ID, 1, "refresh-next-"+string(rune('a'+i)), DeviceMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if assert.ErrorIs(t, err, ErrAlreadyRevoked) {
				losses++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, losses)

	sessions, err := ledger.ListActive(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestLedger_RotateRollsBackWhenRevokeLoses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sessions SET is_revoked = TRUE`).
		WithArgs(sqlmock.AnyArg(), "old-id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = ledger.Rotate(context.Background(), "old-id", 1, "refresh-new", DeviceMeta{})
	assert.ErrorIs(t, err, ErrAlreadyRevoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_RotateCommitsRevokeAndInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewLedger(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE sessions SET is_revoked = TRUE`).
		WithArgs(sqlmock.AnyArg(), "old-id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sessions`).
		WithArgs(sqlmock.AnyArg(), int64(1), auth.HashToken("refresh-new"), "", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next, err := ledger.Rotate(context.Background(), "old-id", 1, "refresh-new", DeviceMeta{})
	require.NoError(t, err)
	assert.Equal(t, auth.HashToken("refresh-new"), next.TokenHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_RevokeAllForPrincipal(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ctx := context.Background()

	for _, raw := range []string{"a", "b", "c"} {
		_, err := ledger.Create(ctx, 1, "refresh-"+raw, DeviceMeta{})
		require.NoError(t, err)
	}
	_, err := ledger.Create(ctx, 2, "refresh-other", DeviceMeta{})
	require.NoError(t, err)

	count, err := ledger.RevokeAllForPrincipal(ctx, 1, auth.HashToken("refresh-b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	remaining, err := ledger.ListActive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, auth.HashToken("refresh-b"), remaining[0].TokenHash)

	count, err = ledger.RevokeAllForPrincipal(ctx, 1, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	other, err := ledger.ListActive(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestLedger_RevokeForPrincipalChecksOwner(t *testing.T) {
	ledger, _, _ := setupLedger(t)
	ctx := context.Background()

	s, err := ledger.Create(ctx, 1, "refresh-owned", DeviceMeta{})
	require.NoError(t, err)

	_, err = ledger.RevokeForPrincipal(ctx, s.ID, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ledger.RevokeForPrincipal(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	revoked, err := ledger.RevokeForPrincipal(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = ledger.RevokeForPrincipal(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestLedger_ListActiveSkipsExpired(t *testing.T) {
	ledger, _, clock := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Create(ctx, 1, "refresh-early", DeviceMeta{})
	require.NoError(t, err)
	clock.Advance(12 * time.Hour)
	_, err = ledger.Create(ctx, 1, "refresh-late", DeviceMeta{})
	require.NoError(t, err)

	sessions, err := ledger.ListActive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, auth.HashToken("refresh-late"), sessions[0].TokenHash, "newest first")

	clock.Advance(13 * time.Hour)
	sessions, err = ledger.ListActive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, auth.HashToken("refresh-late"), sessions[0].TokenHash)
}

func TestLedger_ActivePrincipals(t *testing.T) {
	ledger, _, clock := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Create(ctx, 1, "refresh-one", DeviceMeta{})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = ledger.Create(ctx, 2, "refresh-two", DeviceMeta{})
	require.NoError(t, err)
	revoked, err := ledger.Create(ctx, 3, "refresh-three", DeviceMeta{})
	require.NoError(t, err)
	_, err = ledger.Revoke(ctx, revoked.ID)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = ledger.Create(ctx, 1, "refresh-one-again", DeviceMeta{})
	require.NoError(t, err)

	ids, err := ledger.ActivePrincipals(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	ids, err = ledger.ActivePrincipals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	clock.Advance(DefaultTTL)
	ids, err = ledger.ActivePrincipals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = ledger.ActivePrincipals(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLedger_PurgeExpired(t *testing.T) {
	ledger, _, clock := setupLedger(t)
	ctx := context.Background()

	_, err := ledger.Create(ctx, 1, "refresh-old", DeviceMeta{})
	require.NoError(t, err)
	clock.Advance(7 * 24 * time.Hour)
	_, err = ledger.Create(ctx, 1, "refresh-new", DeviceMeta{})
	require.NoError(t, err)

	// old expired 6 days ago: inside retention
	deleted, err := ledger.PurgeExpired(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	clock.Advance(2 * 24 * time.Hour)
	deleted, err = ledger.PurgeExpired(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = ledger.PurgeExpired(ctx, -time.Hour)
	assert.Error(t, err)
}

func TestSession_State(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{ExpiresAt: now.Add(time.Hour)}

	assert.Equal(t, LifecycleActive, s.State(now))
	assert.Equal(t, LifecycleExpired, s.State(now.Add(time.Hour)))

	s.IsRevoked = true
	assert.Equal(t, LifecycleRevoked, s.State(now))
	assert.Equal(t, LifecycleRevoked, s.State(now.Add(2*time.Hour)))
}

func TestSession_Summarize(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &Session{ID: "s1", TokenHash: "h1", ExpiresAt: now.Add(time.Hour)}

	assert.True(t, s.Summarize(now, "h1").Current)
	assert.False(t, s.Summarize(now, "h2").Current)
	assert.False(t, s.Summarize(now, "").Current)
}
