package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared across arbiter processes.
type RedisStore struct {
	Client *redis.Client
}

// NewRedisStore dials lazily; the first command surfaces connectivity errors.
func NewRedisStore(opt *redis.Options) *RedisStore {
	return &RedisStore{Client: redis.NewClient(opt)}
}

// Get returns the cached value when present.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, true, nil
}

// Set stores value with ttl.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.Client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. A key ending in '*' is expanded with SCAN.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	exact := make([]string, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, "*") {
			exact = append(exact, key)
			continue
		}
		iter := s.Client.Scan(ctx, 0, key, 100).Iterator()
		for iter.Next(ctx) {
			exact = append(exact, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("redis scan %s: %w", key, err)
		}
	}
	if len(exact) == 0 {
		return nil
	}
	if err := s.Client.Del(ctx, exact...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.Client.Close()
}
