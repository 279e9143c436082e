// Package redisconn provides the Redis connection helper.
package redisconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config contains Redis connection configuration.
type Config struct {
	Addr            string
	Password        string
	DB              int
	ConnectAttempts int
}

// Connect creates a Redis client and verifies connectivity with retry. The
// state store tolerates Redis going away later; startup only insists on one
// successful ping so misconfiguration fails fast.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := rdb.Ping(ctx).Err()
		if err == nil {
			slog.Info("connected to redis", "addr", cfg.Addr, "attempts", attempt)
			return rdb, nil
		}
		lastErr = err

		if attempt < attempts {
			backoff := time.Duration(attempt) * time.Second
			slog.Warn("redis not ready, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				_ = rdb.Close()
				return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
			}
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("connect to redis after %d attempts: %w", attempts, lastErr)
}
