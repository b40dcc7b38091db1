// Package changefeed turns the document store's live queries into streams of
// normalized change events.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

var ErrAdapterClosed = errors.New("change feed adapter closed")

// StreamError is delivered on a stream's error channel instead of being
// returned to the consumer. A transient error leaves the stream open.
type StreamError struct {
	Collection string
	Err        error
	Transient  bool
}

func (e *StreamError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s stream error on %s: %v", kind, e.Collection, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

type Adapter struct {
	repo   repositories.DocumentRepository
	logger zerolog.Logger

	mu      sync.Mutex
	streams map[*Stream]struct{}
	closed  bool
}

func NewAdapter(repo repositories.DocumentRepository, logger zerolog.Logger) *Adapter {
	return &Adapter{
		repo:    repo,
		logger:  logger,
		streams: map[*Stream]struct{}{},
	}
}

// OpenLiveQuery opens a live query on collection. Only the structural shape
// of q is validated; the store decides whether it can serve it. The stream
// runs until Close, ctx cancellation, or a terminal error.
func (a *Adapter) OpenLiveQuery(ctx context.Context, collection string, q models.Query) (*Stream, error) {
	if err := repositories.ValidateQuery(collection, q); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrAdapterClosed
	}
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	watcher, err := a.repo.Watch(ctx, collection, q)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open live query on %s: %w", collection, err)
	}

	s := &Stream{
		Collection: collection,
		Query:      q,
		watcher:    watcher,
		ctx:        ctx,
		cancel:     cancel,
		batches:    make(chan Batch),
		errs:       make(chan *StreamError),
		done:       make(chan struct{}),
		forget:     a.forget,
		logger:     a.logger.With().Str("collection", collection).Logger(),
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		_ = watcher.Close()
		return nil, ErrAdapterClosed
	}
	a.streams[s] = struct{}{}
	a.mu.Unlock()

	go s.pump()
	a.logger.Debug().Str("collection", collection).Msg("live query opened")
	return s, nil
}

// Close closes s. Closing an already closed stream is a no-op.
func (a *Adapter) Close(s *Stream) {
	if s != nil {
		s.Close()
	}
}

// CloseAll closes every open stream and rejects new ones.
func (a *Adapter) CloseAll() {
	a.mu.Lock()
	a.closed = true
	streams := make([]*Stream, 0, len(a.streams))
	for s := range a.streams {
		streams = append(streams, s)
	}
	a.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

// OpenStreams reports how many live queries are currently open.
func (a *Adapter) OpenStreams() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

func (a *Adapter) forget(s *Stream) {
	a.mu.Lock()
	delete(a.streams, s)
	a.mu.Unlock()
}
