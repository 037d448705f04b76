// Package faststore abstracts the low-latency key-value store the pipeline
// uses for fingerprints, realtime metric values, cached aggregates and job
// locks. The production implementation is Redis; the in-memory implementation
// backs tests and single-process dev deployments.
//
// Key namespaces, by purpose:
//
//	fingerprint:*  dedup fast path (short TTL)
//	metric:*       realtime metric values
//	cache:*        metrics cache layer
//	lock:*         aggregation period locks
package faststore

import (
	"context"
	"time"
)

// Store is the operation set the pipeline needs from the fast store.
// All calls carry the caller's context; implementations apply a per-operation
// timeout and classify failures as transient.
type Store interface {
	// Get returns the string value at key, or core errors.ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes key with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key only if absent. Returns true when the write happened
	// and false when the key already existed. The dedup and lock primitive.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// DelPattern removes every key matching a glob pattern and returns the
	// number of keys removed.
	DelPattern(ctx context.Context, pattern string) (int, error)

	// Keys lists keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// IncrBy atomically adds delta to an integer value, creating it at zero.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Expire sets or refreshes the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Sorted-set operations, used by the sliding-window rate kind.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCount(ctx context.Context, key string, min, max float64) (int64, error)

	// List operations, used by the capped histogram sample buffer.
	RPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Ping verifies connectivity, for health checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
