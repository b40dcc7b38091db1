// Package cache stores derived query results with per-entry TTL. Entries
// expire lazily when read; nothing sweeps them in the background.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/prudhvinik1/livesync/internal/models"
)

const DefaultTTL = 5 * time.Minute

// Cache is shared by many readers and writers. Values are stored as JSON and
// decoded into dest on Get. Failures are treated as misses: the cache holds
// derived data, never the source of truth.
type Cache interface {
	// Get decodes the entry for key into dest and reports whether it was
	// present and fresh.
	Get(ctx context.Context, key string, dest any) bool
	// Set stores value under key. A ttl <= 0 selects the default TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
	// InvalidatePattern drops every entry whose key contains substr.
	InvalidatePattern(ctx context.Context, substr string)
	Clear(ctx context.Context)
}

// Key fingerprints a query result as "<collection>:<hash of query shape>".
// Writers invalidate by collection name, so the collection stays readable.
func Key(collection string, q models.Query) string {
	shape, err := json.Marshal(q)
	if err != nil {
		shape = []byte(fmt.Sprintf("%#v", q))
	}
	return fmt.Sprintf("%s:%016x", collection, xxhash.Sum64(shape))
}

// KeyWith appends a discriminator for results derived from the same query,
// such as an unread count next to the list it was computed from.
func KeyWith(collection string, q models.Query, suffix string) string {
	return Key(collection, q) + ":" + suffix
}

func newEntry(key string, value any, ttl time.Duration, now time.Time) (*models.CacheEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return &models.CacheEntry{Key: key, Data: data, Timestamp: now, TTL: ttl}, nil
}
