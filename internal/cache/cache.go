// Package cache defines the byte cache used by the graph store, with an
// in-memory implementation and a redis one behind the same interface.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
