package auth

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/storage/sqlitetest"
)

func createTestPrincipal(t *testing.T, store *SQLCredentialStore, username string) *Principal {
	t.Helper()
	p := &Principal{
		Username:     username,
		PasswordHash: "$2a$04$placeholder",
		IsActive:     true,
	}
	require.NoError(t, store.CreatePrincipal(context.Background(), p))
	return p
}

func TestSQLCredentialStore_FindByUsername(t *testing.T) {
	db := sqlitetest.Open(t)
	store := NewSQLCredentialStore(db, 0)
	ctx := context.Background()

	created := createTestPrincipal(t, store, "Alice")

	found, err := store.FindByUsername(ctx, "  alice ")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "Alice", found.Username)
	assert.True(t, found.IsActive)
	assert.False(t, found.IsLocked)

	_, err = store.FindByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrPrincipalNotFound)
}

func TestSQLCredentialStore_LockoutThreshold(t *testing.T) {
	db := sqlitetest.Open(t)
	store := NewSQLCredentialStore(db, 5)
	ctx := context.Background()

	p := createTestPrincipal(t, store, "bob")

	for i := 1; i <= 4; i++ {
		counters, err := store.RecordLoginOutcome(ctx, p.ID, false)
		require.NoError(t, err)
		assert.Equal(t, i, counters.FailedAttempts)
		assert.False(t, counters.IsLocked, "locked after %d failures", i)
	}

	counters, err := store.RecordLoginOutcome(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 5, counters.FailedAttempts)
	assert.True(t, counters.IsLocked)

	// A success resets the counter but never clears the lock.
	counters, err = store.RecordLoginOutcome(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.FailedAttempts)
	assert.True(t, counters.IsLocked)

	require.NoError(t, store.Unlock(ctx, p.ID))
	found, err := store.FindByUsername(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, found.IsLocked)
}

func TestSQLCredentialStore_SuccessResetsCounter(t *testing.T) {
	db := sqlitetest.Open(t)
	store := NewSQLCredentialStore(db, 5)
	ctx := context.Background()

	p := createTestPrincipal(t, store, "carol")

	for i := 0; i < 4; i++ {
		_, err := store.RecordLoginOutcome(ctx, p.ID, false)
		require.NoError(t, err)
	}
	counters, err := store.RecordLoginOutcome(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.FailedAttempts)

	counters, err = store.RecordLoginOutcome(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.FailedAttempts)
	assert.False(t, counters.IsLocked)
}

func TestSQLCredentialStore_UnknownPrincipal(t *testing.T) {
	db := sqlitetest.Open(t)
	store := NewSQLCredentialStore(db, 5)

	_, err := store.RecordLoginOutcome(context.Background(), 999, false)
	assert.ErrorIs(t, err, ErrPrincipalNotFound)

	assert.ErrorIs(t, store.Unlock(context.Background(), 999), ErrPrincipalNotFound)
}

func TestSQLCredentialStore_RecordFailureIsSingleStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewSQLCredentialStore(db, 5)

	mock.ExpectQuery(`UPDATE principals\s+SET failed_attempts = failed_attempts \+ 1`).
		WithArgs(5, sqlmock.AnyArg(), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "is_locked"}).AddRow(5, true))

	counters, err := store.RecordLoginOutcome(context.Background(), 3, false)
	require.NoError(t, err)
	assert.True(t, counters.IsLocked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
