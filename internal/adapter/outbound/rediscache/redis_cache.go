// Package rediscache implements the shared decision-cache tier on Redis.
// Failures degrade to cache misses; the proxy never depends on Redis
// availability.
package rediscache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-gateway/aegis/internal/port/outbound"
)

// keyPrefix namespaces decision entries in a shared Redis.
const keyPrefix = "aegis:decision:"

// opTimeout bounds each Redis round trip independently of the request
// deadline, so a slow Redis cannot consume the decision budget.
const opTimeout = 200 * time.Millisecond

// Cache is the Redis-backed L2 tier.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

var _ outbound.CacheL2 = (*Cache)(nil)

// New connects to Redis at addr. The connection is verified lazily; a
// down Redis at startup only costs misses.
func New(addr string, logger *slog.Logger) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
		PoolSize:     8,
	})
	return &Cache{
		client: client,
		logger: logger.With("component", "redis_cache"),
	}
}

// Get fetches an entry; any error is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.client.Get(opCtx, keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Debug("redis get failed", "error", err)
		}
		return nil, false
	}
	return data, true
}

// Set stores an entry best-effort.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, keyPrefix+key, data, ttl).Err(); err != nil {
		c.logger.Debug("redis set failed", "error", err)
	}
}

// Delete removes entries best-effort.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}
	if err := c.client.Del(opCtx, prefixed...).Err(); err != nil {
		c.logger.Debug("redis delete failed", "error", err)
	}
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
