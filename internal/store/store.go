// Package store provides the expiring key-value abstraction backing the
// threat intel store, the risk accumulator, and the federated result
// cache. Production runs against Redis; tests use the in-memory
// implementation.
package store

import (
	"context"
	"time"
)

// Entry is one key-value pair for bulk writes.
type Entry struct {
	Key   string
	Value string
}

// Store is an expiring key-value store. Get returns ("", nil) on a
// miss; expiry is the store's responsibility (native TTL in Redis,
// lazy eviction in memory).
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetBatch(ctx context.Context, entries []Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	// PushCapped prepends value to the named list and trims it to the
	// most recent max entries.
	PushCapped(ctx context.Context, key, value string, max int64) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
