package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend infrastructure failures so callers can
// distinguish them from simple absence.
var ErrStoreUnavailable = errors.New("sessions: store unavailable")

// Store is the key/value persistence contract backing both session kinds.
// Values are opaque JSON-serializable blobs; TTL is authoritative for expiry.
//
// A backend with native TTL support (Redis) satisfies CleanupExpired as a
// no-op returning zero; an in-process backend sweeps explicitly. Both must
// behave identically from a caller's perspective: an expired key is absent.
type Store interface {
	// Set stores value under key with the given TTL. A zero TTL stores the
	// value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or (nil, nil) when the key is absent or
	// expired. Errors are reserved for backend failures.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeys returns the keys matching a glob-style pattern ("auth:*").
	ListKeys(ctx context.Context, pattern string) ([]string, error)

	// CleanupExpired removes expired entries and returns how many were
	// purged. Backends with native TTL return 0.
	CleanupExpired(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
