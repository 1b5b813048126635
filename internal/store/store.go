package store

// Package store provides the shared key-value substrate every gating
// component coordinates through. The deployment model is horizontally
// scaled worker processes, so the store is the only synchronization
// point: there are no cross-process in-memory locks.
//
// Two backends are provided:
//   - Redis (production): per-key TTL expiry, MULTI/EXEC transactions
//   - Memory (tests, single-process development)
//
// Error contract: every backend failure is normalized to
// models.ErrStoreUnavailable so callers can fail closed (cache miss,
// sample denied) instead of blocking or crashing the trading loop.

import (
	"context"
	"time"
)

// HashIncr describes one hash-field increment inside an atomic
// multi-key transaction.
type HashIncr struct {
	Key   string
	Field string
	// IntBy is applied unless Float is set.
	IntBy   int64
	FloatBy float64
	Float   bool
	// TTL, when positive, is applied to Key as part of the transaction.
	TTL time.Duration
}

// Store is the minimal contract the gating layer needs from the shared
// key-value store. All operations are single network round trips.
type Store interface {
	// Get returns the string value at key. found is false when the key
	// is absent or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes value at key with a TTL. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only if the key does not exist. Returns true when the
	// write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeleteByPrefix removes every key starting with prefix and returns
	// the number deleted.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	// HGetAll returns all fields of the hash at key. An absent hash
	// yields an empty map, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HIncr applies every increment as one all-or-nothing transaction.
	// No increment is visible until all are.
	HIncr(ctx context.Context, incrs []HashIncr) error

	// ListAppend pushes values onto the tail of the list at key and
	// returns the new length. TTL is applied when the list is created.
	ListAppend(ctx context.Context, key string, ttl time.Duration, values ...string) (int64, error)

	// ListRange returns every element of the list at key.
	ListRange(ctx context.Context, key string) ([]string, error)

	// ListLen returns the length of the list at key (0 when absent).
	ListLen(ctx context.Context, key string) (int64, error)

	// Keys returns keys starting with prefix. Intended for low-cardinality
	// namespaces (batch windows, cost buckets), not user data scans.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
