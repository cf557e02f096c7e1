// Package cache provides the read-through memoization layer used by every
// query path in the application. The cache is never authoritative: values are
// produced by loaders against the backing store, and every mutating operation
// is responsible for invalidating the keys it can affect.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Stats receives hit/miss notifications, typically backed by Prometheus
// counters. Implementations must be safe for concurrent use.
type Stats interface {
	Hit(key string)
	Miss(key string)
}

// Cache wraps Redis with JSON serialization and loader dedupe. A nil Cache or
// a Cache without a client degrades to calling loaders directly, which keeps
// the cache strictly an optimization.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
	stats  Stats
	group  singleflight.Group
}

// New constructs the cache service. Logger and stats may be nil.
func New(client *redis.Client, logger *slog.Logger, stats Stats) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, logger: logger, stats: stats}
}

// Fetch returns the cached value for key into dest, or invokes loader, stores
// the result with ttl, and returns it. Loader failures propagate and are never
// cached. Redis read failures fall back to the loader.
func (c *Cache) Fetch(ctx context.Context, key string, ttl time.Duration, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		return loadInto(ctx, dest, loader)
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		c.hit(key)
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.Warn("cache read failed, falling back to loader", slog.String("key", key), slog.Any("error", err))
	}
	c.miss(key)

	// Collapse concurrent loads of the same key into one producer call.
	raw, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
			c.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

// Invalidate removes the given keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil || len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// InvalidateMatching removes every key matching the glob-style pattern,
// e.g. "stock:summary:42:*".
func (c *Cache) InvalidateMatching(ctx context.Context, pattern string) error {
	if c == nil || c.client == nil || pattern == "" {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (c *Cache) hit(key string) {
	if c.stats != nil {
		c.stats.Hit(key)
	}
}

func (c *Cache) miss(key string) {
	if c.stats != nil {
		c.stats.Miss(key)
	}
}

func loadInto(ctx context.Context, dest any, loader func(context.Context) (any, error)) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
