package idempotency

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the optional second-level idempotency cache: when
// IDEMPOTENCY_REDIS_ADDR is configured, Execute checks it before the
// persistent DocStore record, giving multiple process instances a
// shared fast path without a Postgres round trip on every hit.
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisCache constructs a RedisCache bound to a client created from
// addr (e.g. "localhost:6379").
func NewRedisCache(addr string, logger *slog.Logger) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		logger: logger,
	}
}

func redisKey(key string) string {
	return "idempotency:" + key
}

// Get satisfies secondLevelCache. A Redis error or miss is treated as
// "not cached" — Execute falls through to the persistent record, so a
// Redis outage degrades performance, never correctness.
func (c *RedisCache) Get(ctx context.Context, key string) (record, bool) {
	raw, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("idempotency: redis get failed", "key", key, "error", err)
		}

		return record{}, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.logger.Warn("idempotency: redis payload decode failed", "key", key, "error", err)

		return record{}, false
	}

	return rec, true
}

// Set satisfies secondLevelCache.
func (c *RedisCache) Set(ctx context.Context, key string, rec record, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("idempotency: redis payload encode failed", "key", key, "error", err)

		return
	}

	if err := c.client.Set(ctx, redisKey(key), raw, ttl).Err(); err != nil {
		c.logger.Warn("idempotency: redis set failed", "key", key, "error", err)
	}
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
