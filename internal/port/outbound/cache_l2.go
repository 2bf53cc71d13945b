package outbound

import (
	"context"
	"time"
)

// CacheL2 is the shared second cache tier, keyed by the same request
// fingerprints as the in-process tier. Implementations must treat all
// failures as misses; the cache is an optimization, never a dependency.
type CacheL2 interface {
	// Get returns the stored bytes for key, or ok=false on miss.
	Get(ctx context.Context, key string) (data []byte, ok bool)

	// Set stores bytes under key with a lifetime.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration)

	// Delete removes keys.
	Delete(ctx context.Context, keys ...string)

	// Close releases the underlying connection.
	Close() error
}
