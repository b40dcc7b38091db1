package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/models"
)

const (
	cacheKeyPrefix = "cache:"
	scanBatchSize  = 100
)

// RedisCache shares entries between server instances. Redis enforces the
// TTL; the stored entry is checked again on read.
type RedisCache struct {
	client     *redis.Client
	logger     zerolog.Logger
	defaultTTL time.Duration
}

var _ Cache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client, defaultTTL time.Duration, logger zerolog.Logger) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &RedisCache{client: client, logger: logger, defaultTTL: defaultTTL}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Expired(time.Now()) {
		c.Invalidate(ctx, key)
		return false
	}
	if err := json.Unmarshal(entry.Data, dest); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	entry, err := newEntry(key, value, ttl, time.Now())
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set skipped")
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set skipped")
		return
	}
	if err := c.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, redisKey(key)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache invalidate failed")
	}
}

func (c *RedisCache) InvalidatePattern(ctx context.Context, substr string) {
	c.deleteMatching(ctx, cacheKeyPrefix+"*"+escapeGlob(substr)+"*")
}

func (c *RedisCache) Clear(ctx context.Context) {
	c.deleteMatching(ctx, cacheKeyPrefix+"*")
}

func (c *RedisCache) deleteMatching(ctx context.Context, match string) {
	iter := c.client.Scan(ctx, 0, match, scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == scanBatchSize {
			c.del(ctx, keys)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Str("match", match).Msg("cache scan failed")
	}
	c.del(ctx, keys)
}

func (c *RedisCache) del(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn().Err(err).Int("keys", len(keys)).Msg("cache delete failed")
	}
}

// Helper: build Redis key for a cache entry
func redisKey(key string) string {
	return cacheKeyPrefix + key
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
