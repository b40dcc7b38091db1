package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/registry"
)

const heartbeatInterval = 15 * time.Second

// latest holds the most recent value pushed by a subscription callback.
// Every pushed value is a full snapshot, so a slow client only ever needs
// the newest one.
type latest struct {
	mu    sync.Mutex
	value any
	set   bool
	ready chan struct{}
}

func newLatest() *latest {
	return &latest{ready: make(chan struct{}, 1)}
}

func (l *latest) put(v any) {
	l.mu.Lock()
	l.value, l.set = v, true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest) take() (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.value, l.set
	l.value, l.set = nil, false
	return v, ok
}

// serveEvents streams every value pushed by open as a Server-Sent Event
// named event until the client goes away. A call to fail ends the stream
// with an "error" event. open must not block.
func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, event string, open func(push func(any), fail func(error)) (func(), error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates := newLatest()
	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}
	unsubscribe, err := open(updates.put, fail)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := zerolog.Ctx(r.Context())
	logger.Debug().Str("event", event).Msg("event stream opened")
	defer func() {
		logger.Debug().Str("event", event).Msg("event stream closed")
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-failed:
			logger.Warn().Err(err).Str("event", event).Msg("event stream ended by subscription error")
			if err := writeEvent(w, "error", errorResponse{Error: err.Error()}); err != nil {
				return
			}
			flusher.Flush()
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-updates.ready:
			v, ok := updates.take()
			if !ok {
				continue
			}
			if err := writeEvent(w, event, v); err != nil {
				logger.Warn().Err(err).Str("event", event).Msg("failed to write event")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// endOnError forwards the terminal error of a live query to fail.
func endOnError(fail func(error)) registry.Option {
	return registry.WithErrorHandler(func(err *changefeed.StreamError) { fail(err) })
}
