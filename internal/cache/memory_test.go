package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/livesync/internal/models"
)

type listResult struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

func TestMemoryCache_TTL(t *testing.T) {
	// ARRANGE
	c := NewMemoryCache(time.Minute, zerolog.Nop())
	ctx := context.Background()

	// ACT
	c.Set(ctx, "notifications:abc", listResult{IDs: []string{"n1"}, Count: 1}, 100*time.Millisecond)

	// ASSERT: fresh immediately
	var got listResult
	require.True(t, c.Get(ctx, "notifications:abc", &got))
	assert.Equal(t, listResult{IDs: []string{"n1"}, Count: 1}, got)

	// ASSERT: gone after the TTL
	time.Sleep(150 * time.Millisecond)
	var stale listResult
	assert.False(t, c.Get(ctx, "notifications:abc", &stale))
	assert.Equal(t, listResult{}, stale)
}

func TestMemoryCache_LazyExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemoryCache(time.Minute, zerolog.Nop())
	c.SetClock(func() time.Time { return now })
	ctx := context.Background()

	c.Set(ctx, "a", 1, 0)
	c.Set(ctx, "b", 2, time.Second)

	now = now.Add(2 * time.Second)
	// expired entries stay until they are read
	assert.Equal(t, 2, c.Len())

	var v int
	assert.False(t, c.Get(ctx, "b", &v))
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Get(ctx, "a", &v))
	assert.Equal(t, 1, v)

	now = now.Add(time.Minute)
	assert.False(t, c.Get(ctx, "a", &v))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_LastWriteWins(t *testing.T) {
	c := NewMemoryCache(0, zerolog.Nop())
	ctx := context.Background()

	c.Set(ctx, "k", "first", 0)
	c.Set(ctx, "k", "second", 0)

	var v string
	require.True(t, c.Get(ctx, "k", &v))
	assert.Equal(t, "second", v)
}

func TestMemoryCache_Invalidate(t *testing.T) {
	c := NewMemoryCache(0, zerolog.Nop())
	ctx := context.Background()
	c.Set(ctx, "notifications:1", 1, 0)
	c.Set(ctx, "notifications:2", 2, 0)

	c.Invalidate(ctx, "notifications:1")
	c.Invalidate(ctx, "missing")

	var v int
	assert.False(t, c.Get(ctx, "notifications:1", &v))
	assert.True(t, c.Get(ctx, "notifications:2", &v))
}

func TestMemoryCache_InvalidatePattern(t *testing.T) {
	// ARRANGE
	c := NewMemoryCache(0, zerolog.Nop())
	ctx := context.Background()
	notifKey := Key(models.CollectionNotifications, models.Query{}.Where("userId", models.OpEqual, "u1"))
	convKey := Key(models.CollectionConversations, models.Query{}.Where("participants", models.OpArrayContains, "u1"))
	c.Set(ctx, notifKey, []string{"n1"}, 0)
	c.Set(ctx, KeyWith(models.CollectionNotifications, models.Query{}, "unread"), 3, 0)
	c.Set(ctx, convKey, []string{"c1"}, 0)

	// ACT
	c.InvalidatePattern(ctx, models.CollectionNotifications)

	// ASSERT
	var v any
	assert.False(t, c.Get(ctx, notifKey, &v))
	assert.True(t, c.Get(ctx, convKey, &v))
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_Clear(t *testing.T) {
	c := NewMemoryCache(0, zerolog.Nop())
	ctx := context.Background()
	c.Set(ctx, "a", 1, 0)
	c.Set(ctx, "b", 2, 0)

	c.Clear(ctx)

	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_UndecodableEntryIsAMiss(t *testing.T) {
	c := NewMemoryCache(0, zerolog.Nop())
	ctx := context.Background()
	c.Set(ctx, "k", "text", 0)

	var n int
	assert.False(t, c.Get(ctx, "k", &n))
	assert.Equal(t, 0, c.Len())
}

func TestKey_Deterministic(t *testing.T) {
	q := models.Query{}.Where("userId", models.OpEqual, "u1").Order("createdAt", true).WithLimit(50)

	k1 := Key(models.CollectionNotifications, q)
	k2 := Key(models.CollectionNotifications, models.Query{}.Where("userId", models.OpEqual, "u1").Order("createdAt", true).WithLimit(50))

	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, models.CollectionNotifications+":")
	assert.NotEqual(t, k1, Key(models.CollectionNotifications, q.WithLimit(10)))
	assert.NotEqual(t, k1, Key(models.CollectionNotifications, models.Query{}.Where("userId", models.OpEqual, "u2")))
	assert.NotEqual(t, k1, Key(models.CollectionMessages, q))
}
