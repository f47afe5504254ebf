// Package cache - Redis client adapter for go-redis/redis v8
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// GoRedisAdapter wraps a go-redis client to implement RedisClient.
type GoRedisAdapter struct {
	client *redis.Client
}

// NewGoRedisClient creates a Redis client from a URL and verifies it with a
// ping. URL format: redis://[:password@]host:port[/db], or rediss:// for TLS.
func NewGoRedisClient(redisURL string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &GoRedisAdapter{client: client}, nil
}

// Get retrieves a value, mapping redis.Nil to ErrCacheMiss.
func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

// Set stores a value with TTL.
func (a *GoRedisAdapter) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

// Del deletes keys.
func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

// Close closes the connection.
func (a *GoRedisAdapter) Close() error {
	return a.client.Close()
}

// NewFromURL creates a Redis-backed cache. When redisURL is empty or the
// server is unreachable it returns a memory-only cache together with the
// connection error so the caller can log it.
func NewFromURL(redisURL string, cfg Config) (*ResponseCache, error) {
	if redisURL == "" {
		return New(cfg), nil
	}
	adapter, err := NewGoRedisClient(redisURL)
	if err != nil {
		return New(cfg), err
	}
	return NewWithClient(adapter, cfg), nil
}
