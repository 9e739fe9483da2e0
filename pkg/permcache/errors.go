package permcache

import "errors"

var (
	// ErrStoreUnavailable is returned when a cache miss could not be
	// resolved against the store. Callers must treat it as a retryable
	// failure and never as an allow.
	ErrStoreUnavailable = errors.New("permission store unavailable")

	// ErrCacheMiss is returned by backends when no entry exists
	ErrCacheMiss = errors.New("cache miss")
)
