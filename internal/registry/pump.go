package registry

import (
	"fmt"

	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/models"
)

// pump is the only reader of an entry's stream, which keeps per-stream order.
func (r *Registry) pump(e *entry) {
	defer r.wg.Done()

	batches, errs := e.stream.Batches(), e.stream.Errors()
	for batches != nil || errs != nil {
		select {
		case b, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			r.dispatch(e, b)
		case serr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.fail(e, serr)
		}
	}

	// The stream stopped on its own after a terminal error.
	r.mu.Lock()
	if !e.closed {
		r.detachLocked(e)
	}
	r.mu.Unlock()
}

func (r *Registry) dispatch(e *entry, b changefeed.Batch) {
	e.dispatchMu.Lock()
	e.apply(b)
	r.mu.Lock()
	handlers := make([]*handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()
	for _, h := range handlers {
		r.call(e, h, b.Events)
	}
	e.dispatchMu.Unlock()

	if r.state != nil {
		r.state.For(e.owner).MarkSynced()
		for _, ev := range b.Events {
			r.state.ConfirmWrite(ev.Collection, ev.DocumentID)
		}
	}
	if r.cache != nil && !b.Initial && len(b.Events) > 0 {
		r.cache.InvalidatePattern(r.ctx, e.collection)
	}
}

// fail records every stream error. Only a terminal error reaches the
// owning subscribers, and only through their error handlers.
func (r *Registry) fail(e *entry, serr *changefeed.StreamError) {
	if r.state != nil {
		r.state.For(e.owner).RecordError(fmt.Sprintf("%s: %v", e.collection, serr.Err))
	}
	if serr.Transient {
		r.logger.Warn().Err(serr.Err).Str("entry", e.String()).Msg("live query interrupted")
		return
	}

	r.logger.Error().Err(serr.Err).Str("entry", e.String()).Msg("live query failed")
	r.mu.Lock()
	var handlers []*handler
	for _, h := range e.handlers {
		if h.onError != nil {
			handlers = append(handlers, h)
		}
	}
	r.detachLocked(e)
	r.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer r.recoverHandler(e)
			h.onError(serr)
		}()
	}
}

func (r *Registry) call(e *entry, h *handler, events []models.ChangeEvent) {
	defer r.recoverHandler(e)
	h.onEvent(events)
}

func (r *Registry) recoverHandler(e *entry) {
	if rec := recover(); rec != nil {
		r.logger.Error().
			Str("entry", e.String()).
			Str("panic", fmt.Sprint(rec)).
			Msg("subscriber panicked")
	}
}
