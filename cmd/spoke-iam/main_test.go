package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/permcache"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/session"
	"github.com/platinummonkey/spoke-iam/pkg/storage/sqlitetest"
)

func TestCleanups_ReleaseInReverse(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var closed []string
	var owned cleanups
	owned.add("tracing", func(context.Context) error {
		closed = append(closed, "tracing")
		return nil
	})
	owned.add("database", func(context.Context) error {
		closed = append(closed, "database")
		return errors.New("already closed")
	})
	owned.add("redis", func(context.Context) error {
		closed = append(closed, "redis")
		return nil
	})

	owned.release(logger)
	assert.Equal(t, []string{"redis", "database", "tracing"}, closed)
	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, "database", hook.LastEntry().Data["resource"])

	owned.release(logger)
	assert.Len(t, closed, 3, "released once")
}

func TestCleanups_HandOff(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var closed []string
	var owned cleanups
	owned.add("database", func(context.Context) error {
		closed = append(closed, "database")
		return nil
	})
	owned.add("audit writer", func(context.Context) error {
		closed = append(closed, "audit writer")
		return nil
	})

	shutdown := observability.NewShutdownManager(logger, &http.Server{}, time.Second)
	owned.handOff(shutdown)
	owned.release(logger)
	assert.Empty(t, closed, "the shutdown manager owns the resources")

	require.NoError(t, shutdown.Shutdown())
	assert.Equal(t, []string{"audit writer", "database"}, closed)
}

func TestWarmPermissionCache(t *testing.T) {
	db := sqlitetest.Open(t)
	logger, hook := test.NewNullLogger()
	ctx := context.Background()

	ledger := session.NewLedger(db)
	for i, principal := range []int64{1, 2, 2, 3} {
		_, err := ledger.Create(ctx, principal, "refresh-"+string(rune('a'+i)), session.DeviceMeta{})
		require.NoError(t, err)
	}

	store := rbac.NewStore(db)
	backend := permcache.NewLRUBackend(100, time.Hour)
	cache := permcache.New(backend, rbac.NewResolver(store), store, permcache.WithLogger(logger))

	require.NoError(t, warmPermissionCache(ctx, ledger, cache, 2, logger))
	assert.Equal(t, 2, backend.Len())
	assert.Equal(t, "Warmed permission cache", hook.LastEntry().Message)
	assert.Equal(t, 2, hook.LastEntry().Data["principals"])
}

func TestWarmPermissionCache_NoSessions(t *testing.T) {
	db := sqlitetest.Open(t)
	logger, hook := test.NewNullLogger()
	store := rbac.NewStore(db)
	backend := permcache.NewLRUBackend(100, time.Hour)
	cache := permcache.New(backend, rbac.NewResolver(store), store)

	require.NoError(t, warmPermissionCache(context.Background(), session.NewLedger(db), cache, 10, logger))
	assert.Zero(t, backend.Len())
	assert.Empty(t, hook.AllEntries())
}
