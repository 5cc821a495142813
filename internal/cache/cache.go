// Package cache implements the marketplace caching layer: a Redis-primary
// key/value store with an in-process fallback (Store), and a cache-aside
// engine (Engine) built on top of it.
//
// Values are opaque byte slices at this level; the engine owns encoding.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
// Expired entries are reported the same way.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL and glob-pattern support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL means the entry
	// lives until it is explicitly deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache. It is not an error to delete
	// a key that does not exist.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching the glob pattern
	// (Redis MATCH syntax: *, ?, [...]) and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Incr atomically increments the integer stored at key. When the key
	// is created by this call it receives ttl; later increments keep the
	// original expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Exists reports whether the key exists and has not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Count returns the number of live keys matching the glob pattern.
	Count(ctx context.Context, pattern string) (int, error)

	// Ping verifies connectivity to the underlying cache backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the cache implementation.
	Close() error
}
