// Package livesync wires the sync core into one application-scoped object.
package livesync

import (
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/cache"
	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/services"
	"github.com/prudhvinik1/livesync/internal/syncstate"
)

type Options struct {
	CacheTTL              time.Duration
	PendingWriteTimeout   time.Duration
	NotificationListLimit int
	// Redis, when set, backs the result cache so instances share it.
	Redis *redis.Client
}

// connectivitySource is implemented by stores that know whether their
// connection is up.
type connectivitySource interface {
	OnConnectivityChange(fn func(online bool))
}

// Client owns every component of the sync core. Each session owner gets its
// own sync state; connectivity is shared. Close releases all live queries
// and timers.
type Client struct {
	Repo          repositories.DocumentRepository
	Feed          *changefeed.Adapter
	Sessions      *syncstate.Sessions
	Cache         cache.Cache
	Registry      *registry.Registry
	Notifications *services.NotificationService
	Conversations *services.ConversationService

	closeOnce sync.Once
}

// New builds the sync core over repo. logger must not carry a component
// field yet; every part gets its own.
func New(repo repositories.DocumentRepository, opts Options, logger zerolog.Logger) *Client {
	component := func(name string) zerolog.Logger {
		return logger.With().Str("cmp", name).Logger()
	}

	c := &Client{Repo: repo}
	c.Sessions = syncstate.NewSessions(component("syncstate"), syncstate.WithPendingWriteTimeout(pendingTimeout(opts)))
	if src, ok := repo.(connectivitySource); ok {
		src.OnConnectivityChange(c.Sessions.SetOnline)
	} else {
		c.Sessions.SetOnline(true)
	}

	if opts.Redis != nil {
		c.Cache = cache.NewRedisCache(opts.Redis, opts.CacheTTL, component("cache"))
	} else {
		c.Cache = cache.NewMemoryCache(opts.CacheTTL, component("cache"))
	}

	c.Feed = changefeed.NewAdapter(repo, component("changefeed"))
	c.Registry = registry.New(c.Feed, c.Sessions, c.Cache, component("registry"))
	c.Notifications = services.NewNotificationService(repo, c.Registry, c.Cache, c.Sessions, component("notifications"),
		services.WithNotificationListLimit(opts.NotificationListLimit),
		services.WithNotificationCacheTTL(opts.CacheTTL),
	)
	c.Conversations = services.NewConversationService(repo, c.Registry, c.Cache, c.Sessions, component("conversations"),
		services.WithConversationCacheTTL(opts.CacheTTL),
	)
	return c
}

func pendingTimeout(opts Options) time.Duration {
	if opts.PendingWriteTimeout > 0 {
		return opts.PendingWriteTimeout
	}
	return syncstate.DefaultPendingWriteTimeout
}

// Close releases every subscription, then stops the change feed and the
// sync state timers. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.Registry.Close()
		c.Feed.CloseAll()
		c.Sessions.Close()
	})
}

// EndSession releases every live query and the sync state owned by ownerID.
func (c *Client) EndSession(ownerID string) {
	c.Registry.UnsubscribeAll(ownerID)
	c.Sessions.End(ownerID)
}
