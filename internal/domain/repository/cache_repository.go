package repository

import (
	"context"
	"time"
)

// CacheRepository is the byte-blob tile cache contract: namespaced keys, TTL
// expiry, no transactions, no invalidation. Payloads are opaque encoded tiles.
type CacheRepository interface {
	// Get returns the cached value, or (nil, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// GetTile fetches a tile payload for (dataset, z, x, y).
	GetTile(ctx context.Context, dataset string, z, x, y int) ([]byte, error)

	// SetTile stores a tile payload for (dataset, z, x, y).
	SetTile(ctx context.Context, dataset string, z, x, y int, data []byte, ttl time.Duration) error
}
