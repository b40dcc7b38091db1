package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/livesync/internal/cache"
	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/syncstate"
)

const waitTimeout = 2 * time.Second

// tickClock advances one millisecond per reading so that creation order is
// also timestamp order.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fixture struct {
	repo          *repositories.MemoryDocumentRepository
	state         *syncstate.Sessions
	cache         *cache.MemoryCache
	registry      *registry.Registry
	notifications *NotificationService
	conversations *ConversationService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newTickClock()
	f := &fixture{repo: repositories.NewMemoryDocumentRepository()}
	f.repo.SetClock(clock.Now)
	adapter := changefeed.NewAdapter(f.repo, zerolog.Nop())
	f.state = syncstate.NewSessions(zerolog.Nop(), syncstate.WithPendingWriteTimeout(time.Minute))
	f.cache = cache.NewMemoryCache(time.Minute, zerolog.Nop())
	f.registry = registry.New(adapter, f.state, f.cache, zerolog.Nop())
	f.notifications = NewNotificationService(f.repo, f.registry, f.cache, f.state, zerolog.Nop(),
		WithNotificationClock(clock.Now))
	f.conversations = NewConversationService(f.repo, f.registry, f.cache, f.state, zerolog.Nop(),
		WithConversationClock(clock.Now))
	t.Cleanup(func() {
		f.registry.Close()
		adapter.CloseAll()
		f.state.Close()
	})
	return f
}

// failingRepo fails every read, as an unreachable store would.
type failingRepo struct {
	*repositories.MemoryDocumentRepository
}

func (failingRepo) Query(context.Context, string, models.Query) ([]*models.Document, error) {
	return nil, repositories.ErrUnavailable
}

func (failingRepo) Get(context.Context, string, string) (*models.Document, error) {
	return nil, repositories.ErrUnavailable
}

// latest records the most recent list handed to a live callback.
type latest[T any] struct {
	mu    sync.Mutex
	value []T
	calls int
}

func (l *latest[T]) set(v []T) {
	l.mu.Lock()
	l.value = v
	l.calls++
	l.mu.Unlock()
}

func (l *latest[T]) get() ([]T, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.calls
}

func (l *latest[T]) waitFor(t *testing.T, cond func([]T) bool) []T {
	t.Helper()
	var got []T
	require.Eventually(t, func() bool {
		v, calls := l.get()
		got = v
		return calls > 0 && cond(v)
	}, waitTimeout, 5*time.Millisecond)
	return got
}
