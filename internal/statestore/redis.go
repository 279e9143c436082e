package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTier implements DurableTier on Redis.
type RedisTier struct {
	rdb *redis.Client
}

// NewRedisTier wraps an existing Redis client.
func NewRedisTier(rdb *redis.Client) *RedisTier {
	return &RedisTier{rdb: rdb}
}

// Set stores the value with the given TTL.
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get returns the value or ErrNotFound.
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := t.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Renew extends the TTL of an existing key. A missing key is not an error;
// it simply expired between the read and the renewal.
func (t *RedisTier) Renew(ctx context.Context, key string, ttl time.Duration) error {
	if err := t.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	return nil
}

// Delete removes the given keys.
func (t *RedisTier) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeletePrefix removes keys matching prefix using SCAN with a bounded count,
// so the server is never blocked by a full keyspace walk.
func (t *RedisTier) DeletePrefix(ctx context.Context, prefix string, batch int64) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	pattern := prefix + "*"

	for {
		keys, next, err := t.rdb.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			if err := t.rdb.Del(ctx, keys...).Err(); err != nil {
				return removed, fmt.Errorf("redis del batch: %w", err)
			}
			removed += int64(len(keys))
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Ping checks connectivity.
func (t *RedisTier) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}
