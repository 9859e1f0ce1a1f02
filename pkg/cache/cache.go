// Package cache implements a write-through session cache that sits in front
// of a storage backend. The cache is strictly an accelerator: a cache
// failure never fails the session operation it was accelerating. Reads
// degrade to misses and writes degrade to "not cached".
package cache

import (
	"context"
	"time"
)

// Policy selects which session to evict when the cache exceeds its size
// bound.
type Policy string

const (
	// LRU evicts the session that was accessed least recently.
	LRU Policy = "lru"

	// FIFO evicts the session that was inserted first, regardless of
	// subsequent reads.
	FIFO Policy = "fifo"
)

const (
	// DefaultKeyPrefix namespaces cache keys within a shared Redis.
	DefaultKeyPrefix = "browserstate:"

	// DefaultTTL is how long a cached session stays visible without being
	// rewritten.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxSize bounds how many sessions the cache holds.
	DefaultMaxSize = 10
)

// Provider caches serialized session blobs keyed by session id.
type Provider interface {
	// Download returns the cached blob for the session, or ok=false on a
	// miss. A backend failure is reported as a miss, never an error.
	Download(ctx context.Context, sessionID string) (blob []byte, ok bool)

	// Upload caches the blob for the session. Failures are logged; the
	// caller's operation proceeds uncached.
	Upload(ctx context.Context, sessionID string, blob []byte)

	// DeleteSession removes the session from the cache.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns the ids of all cached sessions.
	ListSessions(ctx context.Context) ([]string, error)
}

// Options configures a cache.
type Options struct {
	// KeyPrefix namespaces all cache keys.
	KeyPrefix string

	// TTL is applied to every cached entry. Expiry is enforced by the
	// backing store, not re-implemented here.
	TTL time.Duration

	// MaxSize bounds the number of cached sessions. Each insertion that
	// breaches the bound evicts exactly one victim.
	MaxSize int

	// Policy selects the eviction victim.
	Policy Policy

	// ValidateOnRead runs Validate before returning a cache hit. An entry
	// that fails validation is deleted and reported as a miss, so the next
	// write starts clean.
	ValidateOnRead bool

	// Validate reports whether a cached session is still usable, e.g.
	// whether a local path it references still exists.
	Validate func(sessionID string) bool
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Policy == "" {
		o.Policy = LRU
	}
	return o
}
