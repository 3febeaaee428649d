// Package dedup provides the Redis-backed dedup window, for deployments where
// several poller instances share one delivery dedup set.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces dedup entries in a shared Redis instance.
const redisKeyPrefix = "careline:dedup:"

// RedisCache is a Cache backed by Redis SET NX with TTL, so eviction is
// Redis's job and the window holds across processes.
type RedisCache struct {
	client *redis.Client
	window time.Duration
}

// NewRedisCache creates a RedisCache over the given client.
func NewRedisCache(client *redis.Client, window time.Duration) *RedisCache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisCache{client: client, window: window}
}

// NewRedisCacheFromAddr dials Redis at addr and verifies connectivity.
func NewRedisCacheFromAddr(ctx context.Context, addr string, window time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	slog.Debug("Redis dedup cache connected", "addr", addr)
	return NewRedisCache(client, window), nil
}

// Suppress implements Cache. SETNX with expiry makes the check-and-record atomic.
func (c *RedisCache) Suppress(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, redisKeyPrefix+key, 1, c.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis dedup check failed: %w", err)
	}
	// SETNX returns false when the key already existed, i.e. suppress.
	return !ok, nil
}

// Release implements Cache.
func (c *RedisCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis dedup release failed: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
