// Package cache groups the tile cache layers: the in-memory tilecache and
// the shared Redis tier behind Store.
package cache

import (
	"context"
	"time"
)

// Store is the hash-per-tile shared tier (implemented by redisstore.Client).
type Store interface {
	GetFields(ctx context.Context, key string) (map[string]string, error)
	SetFields(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	DelPrefix(ctx context.Context, prefix string) (int, error)
}
