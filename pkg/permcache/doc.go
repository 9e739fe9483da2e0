// Package permcache caches each principal's effective permission set in
// front of the rbac resolver.
//
// Two backends are available. LRUBackend keeps entries in process and suits
// a single instance. RedisBackend shares entries across instances. Either
// way the Cache evicts synchronously on every role, grant, hierarchy or
// assignment change, so a mutation's response is only sent after stale
// entries are gone:
//
//	backend := permcache.NewLRUBackend(10000, time.Hour)
//	cache := permcache.New(backend, resolver, store,
//	    permcache.WithMetrics(metrics),
//	    permcache.WithLogger(logger),
//	)
//	perms, err := cache.GetOrCompute(ctx, principalID)
//	if errors.Is(err, permcache.ErrStoreUnavailable) {
//	    // fail closed, retry later
//	}
package permcache
