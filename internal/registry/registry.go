// Package registry owns every live query opened on behalf of consumers.
// Identical subscriptions share one underlying stream.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/cache"
	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/syncstate"
)

var (
	ErrClosed     = errors.New("subscription registry closed")
	ErrNilHandler = errors.New("subscription handler is required")
)

// Handler receives the events of one store batch. The slice and the
// documents it points to are shared between subscribers and must not be
// modified. A handler must not subscribe to its own query from inside the
// callback.
type Handler func(events []models.ChangeEvent)

// ErrorHandler receives the terminal error that ended a subscription.
type ErrorHandler func(err *changefeed.StreamError)

// Unsubscribe releases one subscription handle. Calling it again is a no-op.
type Unsubscribe func()

type Option func(*handler)

func WithErrorHandler(fn ErrorHandler) Option {
	return func(h *handler) { h.onError = fn }
}

type handler struct {
	onEvent Handler
	onError ErrorHandler
}

type Registry struct {
	adapter *changefeed.Adapter
	state   *syncstate.Sessions
	cache   cache.Cache
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func New(adapter *changefeed.Adapter, state *syncstate.Sessions, c cache.Cache, logger zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		adapter: adapter,
		state:   state,
		cache:   c,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*entry{},
	}
}

// Fingerprint identifies a subscription by owner and query shape.
func Fingerprint(ownerID, collection string, q models.Query) string {
	shape, err := json.Marshal(struct {
		Owner      string       `json:"o"`
		Collection string       `json:"c"`
		Query      models.Query `json:"q"`
	}{ownerID, collection, q})
	if err != nil {
		shape = []byte(fmt.Sprintf("%s|%s|%#v", ownerID, collection, q))
	}
	return fmt.Sprintf("%s:%016x", collection, xxhash.Sum64(shape))
}

// Subscribe registers onEvent for the live query (collection, q) owned by
// ownerID. The first batch a handler sees describes the current result set
// as added events, even when a stream is already running.
func (r *Registry) Subscribe(ctx context.Context, ownerID, collection string, q models.Query, onEvent Handler, opts ...Option) (Unsubscribe, error) {
	if onEvent == nil {
		return nil, ErrNilHandler
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &handler{onEvent: onEvent}
	for _, opt := range opts {
		opt(h)
	}
	key := Fingerprint(ownerID, collection, q)

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := r.entries[key]
		if !ok {
			e, err := r.openLocked(key, ownerID, collection, q, h)
			r.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return r.handle(e, 0), nil
		}
		r.mu.Unlock()

		if id, joined := r.join(e, h); joined {
			return r.handle(e, id), nil
		}
		// the entry went away between lookup and join; start over
	}
}

// openLocked creates an entry and its stream. Callers hold r.mu.
func (r *Registry) openLocked(key, ownerID, collection string, q models.Query, h *handler) (*entry, error) {
	stream, err := r.adapter.OpenLiveQuery(r.ctx, collection, q)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", collection, err)
	}
	e := &entry{
		key:        key,
		owner:      ownerID,
		collection: collection,
		stream:     stream,
		handlers:   map[uint64]*handler{0: h},
		nextID:     1,
	}
	r.entries[key] = e

	r.wg.Add(1)
	go r.pump(e)
	r.logger.Debug().Str("owner", ownerID).Str("collection", collection).Str("key", key).Msg("live query opened")
	return e, nil
}

// join attaches h to a running entry and replays the known result set to it.
func (r *Registry) join(e *entry, h *handler) (uint64, bool) {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	r.mu.Lock()
	if e.closed || r.entries[e.key] != e {
		r.mu.Unlock()
		return 0, false
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = h
	r.mu.Unlock()

	if e.ready {
		r.call(e, h, e.replay())
	}
	return id, true
}

func (r *Registry) handle(e *entry, id uint64) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() { r.release(e, id) })
	}
}

func (r *Registry) release(e *entry, id uint64) {
	r.mu.Lock()
	if e.closed {
		r.mu.Unlock()
		return
	}
	delete(e.handlers, id)
	if len(e.handlers) > 0 {
		r.mu.Unlock()
		return
	}
	r.detachLocked(e)
	r.mu.Unlock()

	e.stream.Close()
	r.logger.Debug().Str("owner", e.owner).Str("collection", e.collection).Msg("live query closed")
}

// UnsubscribeAll releases every subscription owned by ownerID, as when a
// session ends. Outstanding handles become no-ops.
func (r *Registry) UnsubscribeAll(ownerID string) {
	r.mu.Lock()
	var owned []*entry
	for _, e := range r.entries {
		if e.owner == ownerID {
			owned = append(owned, e)
		}
	}
	for _, e := range owned {
		r.detachLocked(e)
	}
	r.mu.Unlock()

	for _, e := range owned {
		e.stream.Close()
	}
	if len(owned) > 0 {
		r.logger.Debug().Str("owner", ownerID).Int("queries", len(owned)).Msg("owner unsubscribed")
	}
}

// Close releases every subscription and waits for delivery to stop.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	for _, e := range all {
		r.detachLocked(e)
	}
	r.mu.Unlock()

	for _, e := range all {
		e.stream.Close()
	}
	r.cancel()
	r.wg.Wait()
}

// ActiveQueries reports the number of distinct live queries.
func (r *Registry) ActiveQueries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Subscribers reports how many handles share the live query under key.
func (r *Registry) Subscribers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return len(e.handlers)
	}
	return 0
}

func (r *Registry) detachLocked(e *entry) {
	e.closed = true
	e.handlers = map[uint64]*handler{}
	if r.entries[e.key] == e {
		delete(r.entries, e.key)
	}
}
