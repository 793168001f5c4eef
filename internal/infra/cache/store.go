// Package cache provides short-lived byte caches for read-mostly registry data.
package cache

import (
	"context"
	"time"
)

// Store is a TTL key/value cache. A zero ttl means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
