package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/models"
)

type MemoryCache struct {
	logger     zerolog.Logger
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache(defaultTTL time.Duration, logger zerolog.Logger) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &MemoryCache{
		logger:     logger,
		defaultTTL: defaultTTL,
		now:        time.Now,
		entries:    map[string]*models.CacheEntry{},
	}
}

// SetClock replaces the time source used for timestamps and expiry checks.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest any) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()
	if !ok {
		return false
	}

	if entry.Expired(now) {
		c.mu.Lock()
		// another writer may have replaced it meanwhile
		if current, ok := c.entries[key]; ok && current == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return false
	}

	if err := json.Unmarshal(entry.Data, dest); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := newEntry(key, value, ttl, c.now())
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set skipped")
		return
	}
	c.entries[key] = entry
}

func (c *MemoryCache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *MemoryCache) InvalidatePattern(ctx context.Context, substr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.Contains(key, substr) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryCache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = map[string]*models.CacheEntry{}
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
