package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Cache backed by a Redis instance, shared across pipeline
// replicas so deduplication holds fleet-wide.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedis connects to the given address. The connection is verified up
// front so a misconfigured address surfaces at startup, not mid-pipeline.
func NewRedis(ctx context.Context, addr string, db int, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	log.Info("redis connected", "addr", addr)
	return &Redis{client: client, log: log}, nil
}

// Exists reports whether the key is present.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists: %w", err)
	}
	return n > 0, nil
}

// SetWithTTL marks the key present until ttl elapses.
func (r *Redis) SetWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
