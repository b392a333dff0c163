package interfaces

import (
	"context"
	"time"
)

// CachePort is the caching interface the services depend on.
// The implementation may use Redis, Memcached or any other cache.
type CachePort interface {
	// Get returns the value stored under key.
	// Returns nil, nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given expiration.
	// A zero expiration means the entry never expires.
	Set(ctx context.Context, key string, value []byte, expiration time.Duration) error

	// Delete removes the value stored under key.
	Delete(ctx context.Context, key string) error

	// DeleteByPattern removes every key matching the pattern,
	// e.g. "apps:*" drops all cached app listings.
	DeleteByPattern(ctx context.Context, pattern string) error

	// Close closes the connection to the cache.
	Close() error
}
