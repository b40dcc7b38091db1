// Package syncstate keeps the connectivity and sync-progress value shown to
// each session.
package syncstate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/models"
)

const DefaultPendingWriteTimeout = 30 * time.Second

type Option func(*Aggregator)

// WithPendingWriteTimeout sets how long a tracked write may wait for its echo
// before it is abandoned. Zero disables the timeout.
func WithPendingWriteTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

// WithClock replaces the time source used for LastSync.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

type pendingTimer struct {
	t *time.Timer
}

type pendingWrite struct {
	count  int
	timers []*pendingTimer
}

// Aggregator owns the SyncState of one session. All mutations go through its
// methods.
type Aggregator struct {
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	state    models.SyncState
	pending  map[string]*pendingWrite
	watchers map[int]func(models.SyncState)
	nextID   int
	closed   bool
}

// New starts offline until a network signal says otherwise.
func New(logger zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:   logger,
		timeout:  DefaultPendingWriteTimeout,
		now:      time.Now,
		pending:  map[string]*pendingWrite{},
		watchers: map[int]func(models.SyncState){},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() models.SyncState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocked()
}

// SetOnline applies a network-status signal immediately. No debouncing.
func (a *Aggregator) SetOnline(online bool) {
	a.mu.Lock()
	if a.state.IsOnline == online {
		a.mu.Unlock()
		return
	}
	a.state.IsOnline = online
	a.mu.Unlock()

	a.logger.Debug().Bool("online", online).Msg("session connectivity changed")
	a.publish()
}

// MarkSynced records a successful delivery from the store.
func (a *Aggregator) MarkSynced() {
	a.mu.Lock()
	now := a.now()
	a.state.LastSync = &now
	a.mu.Unlock()
	a.publish()
}

// TrackWrite counts a local write to collection/id as pending until its echo
// arrives, it is abandoned, or the timeout fires.
func (a *Aggregator) TrackWrite(collection, id string) {
	key := collection + "/" + id

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	pw := a.pending[key]
	if pw == nil {
		pw = &pendingWrite{}
		a.pending[key] = pw
	}
	pw.count++
	if a.timeout > 0 {
		pt := &pendingTimer{}
		pt.t = time.AfterFunc(a.timeout, func() { a.expire(key, pt) })
		pw.timers = append(pw.timers, pt)
	}
	a.state.PendingChanges++
	a.mu.Unlock()

	a.publish()
}

// ConfirmWrite settles every pending write of collection/id. It is called for
// each delivered change event, so unknown keys are ignored.
func (a *Aggregator) ConfirmWrite(collection, id string) {
	if a.settle(collection+"/"+id, -1) {
		a.publish()
	}
}

// AbandonWrite settles one pending write of collection/id, typically after
// the write itself failed.
func (a *Aggregator) AbandonWrite(collection, id string) {
	if a.settle(collection+"/"+id, 1) {
		a.publish()
	}
}

// settle removes n pending writes for key, or all of them when n < 0.
func (a *Aggregator) settle(key string, n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	pw := a.pending[key]
	if pw == nil {
		return false
	}
	if n < 0 || n > pw.count {
		n = pw.count
	}
	for i := 0; i < n && len(pw.timers) > 0; i++ {
		pw.timers[0].t.Stop()
		pw.timers = pw.timers[1:]
	}
	pw.count -= n
	if pw.count <= 0 {
		delete(a.pending, key)
	}
	a.decrementLocked(n)
	return n > 0
}

func (a *Aggregator) expire(key string, timer *pendingTimer) {
	a.mu.Lock()
	pw := a.pending[key]
	if pw == nil {
		a.mu.Unlock()
		return
	}
	idx := -1
	for i, t := range pw.timers {
		if t == timer {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.mu.Unlock()
		return
	}
	pw.timers = append(pw.timers[:idx], pw.timers[idx+1:]...)
	pw.count--
	if pw.count <= 0 {
		delete(a.pending, key)
	}
	a.decrementLocked(1)
	a.mu.Unlock()

	a.logger.Debug().Str("key", key).Msg("pending write abandoned after timeout")
	a.publish()
}

func (a *Aggregator) decrementLocked(n int) {
	if uint(n) > a.state.PendingChanges {
		a.state.PendingChanges = 0
		return
	}
	a.state.PendingChanges -= uint(n)
}

// RecordError appends msg to the error log, evicting the oldest entries
// beyond models.MaxSyncErrors.
func (a *Aggregator) RecordError(msg string) {
	a.mu.Lock()
	a.state.SyncErrors = append(a.state.SyncErrors, msg)
	if over := len(a.state.SyncErrors) - models.MaxSyncErrors; over > 0 {
		a.state.SyncErrors = append([]string(nil), a.state.SyncErrors[over:]...)
	}
	a.mu.Unlock()
	a.publish()
}

func (a *Aggregator) ClearErrors() {
	a.mu.Lock()
	a.state.SyncErrors = nil
	a.mu.Unlock()
	a.publish()
}

// Subscribe calls fn with the current state and after every change. The
// returned function removes fn and may be called more than once.
func (a *Aggregator) Subscribe(fn func(models.SyncState)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = fn
	state := a.copyLocked()
	a.mu.Unlock()

	a.call(fn, state)

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, id)
			a.mu.Unlock()
		})
	}
}

// Close stops pending-write timers and drops watchers.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for key, pw := range a.pending {
		for _, pt := range pw.timers {
			pt.t.Stop()
		}
		delete(a.pending, key)
	}
	a.state.PendingChanges = 0
	a.watchers = map[int]func(models.SyncState){}
}

func (a *Aggregator) publish() {
	a.mu.Lock()
	state := a.copyLocked()
	fns := make([]func(models.SyncState), 0, len(a.watchers))
	for _, fn := range a.watchers {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		a.call(fn, state)
	}
}

func (a *Aggregator) call(fn func(models.SyncState), state models.SyncState) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("sync state watcher panicked")
		}
	}()
	fn(state)
}

func (a *Aggregator) copyLocked() models.SyncState {
	s := a.state
	if a.state.LastSync != nil {
		t := *a.state.LastSync
		s.LastSync = &t
	}
	s.SyncErrors = append([]string{}, a.state.SyncErrors...)
	return s
}
