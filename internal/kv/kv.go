// Package kv provides the key-value abstraction the semantic cache, the
// rate limiter, and run checkpointing sit on: TTL-scoped values, atomic
// increment with expiry, and prefix deletion. Two implementations are
// provided: a persistent LevelDB store and an in-memory store for tests.
//
// Key layout (owned by the callers):
//
//	grade_cache:v1:<rubric_fp>:<image_fp>  semantic cache entries
//	rate_limit:<key>:<window_start>        rate-limit counters
//	checkpoint:<run_id>:<stage>            run-state snapshots
package kv

import "errors"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is the backing-store contract. All TTLs are advisory: expired
// entries read as absent but may linger on disk until lazily collected.
// A ttl of zero means the entry never expires.
type Store interface {
	// Get returns the value for key, or found=false when absent or expired.
	Get(key string) (value []byte, found bool, err error)

	// Set stores value under key with the given ttl in seconds.
	Set(key string, value []byte, ttlSeconds int64) error

	// Incr atomically increments the counter at key and returns the new
	// count. The ttl is applied on first write of a window only, so the
	// window expires relative to its first increment.
	Incr(key string, ttlSeconds int64) (int64, error)

	// Delete removes a single key. Missing keys are not an error.
	Delete(key string) error

	// DeleteByPrefix removes every live entry whose key begins with prefix
	// and returns how many were removed.
	DeleteByPrefix(prefix string) (int, error)

	// Close releases the store. Operations after Close return ErrClosed.
	Close() error
}
