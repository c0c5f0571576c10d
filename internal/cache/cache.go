// Package cache keeps presigned display URLs in redis so repeated renders of
// the same stored image do not re-sign on every request. Entirely optional:
// a nil *URLCache is valid and every method becomes a no-op miss.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ethxnwzng/ClothingImageSearch/internal/logger"
)

type URLCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

// New connects to redis at addr. Returns nil when addr is empty so callers
// can wire the cache unconditionally.
func New(addr string, ttl time.Duration, log *logger.Logger) *URLCache {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &URLCache{rdb: rdb, ttl: ttl, log: log}
}

func (c *URLCache) Get(ctx context.Context, key string) (string, bool) {
	if c == nil {
		return "", false
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("url cache get failed", "key", key, "error", err)
		}
		return "", false
	}
	return val, true
}

func (c *URLCache) Set(ctx context.Context, key, val string) {
	if c == nil {
		return
	}
	// Expire slightly before the presigned URL itself so a cached link is
	// never handed out already dead.
	ttl := c.ttl - time.Minute
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		c.log.Warn("url cache set failed", "key", key, "error", err)
	}
}

func (c *URLCache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}
