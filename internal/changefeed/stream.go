package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

// Batch holds the events produced by one store notification, one per changed
// document, in store order. The first batch of a stream is marked Initial and
// may be empty.
type Batch struct {
	Events  []models.ChangeEvent
	ReadAt  time.Time
	Initial bool
}

// Stream is one open live query. Batches arrive in the order the store
// delivered them; nothing is promised across streams.
type Stream struct {
	Collection string
	Query      models.Query

	watcher repositories.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	batches chan Batch
	errs    chan *StreamError
	done    chan struct{}
	once    sync.Once
	forget  func(*Stream)
	logger  zerolog.Logger
}

// Batches is closed when the stream stops.
func (s *Stream) Batches() <-chan Batch { return s.batches }

// Errors is closed when the stream stops. A terminal error is the last value.
func (s *Stream) Errors() <-chan *StreamError { return s.errs }

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Stream) pump() {
	defer close(s.done)
	defer close(s.errs)
	defer close(s.batches)
	defer s.forget(s)
	defer func() { _ = s.watcher.Close() }()
	defer s.cancel()

	snapshots, errs := s.watcher.Snapshots(), s.watcher.Errors()
	initial := true
	for snapshots != nil || errs != nil {
		select {
		case <-s.ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			batch := Batch{Events: make([]models.ChangeEvent, 0, len(snap.Changes)), ReadAt: snap.ReadAt, Initial: initial}
			for _, change := range snap.Changes {
				batch.Events = append(batch.Events, toEvent(s.Collection, change, snap))
			}
			initial = false
			if !s.emit(batch) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			serr := &StreamError{Collection: s.Collection, Err: err, Transient: repositories.IsTransient(err)}
			if !s.emitErr(serr) {
				return
			}
			if !serr.Transient {
				s.logger.Warn().Err(err).Msg("live query closed by terminal error")
				return
			}
		}
	}
}

func (s *Stream) emit(b Batch) bool {
	select {
	case s.batches <- b:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) emitErr(err *StreamError) bool {
	select {
	case s.errs <- err:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func toEvent(collection string, change models.DocumentChange, snap models.Snapshot) models.ChangeEvent {
	ev := models.ChangeEvent{
		Collection: collection,
		ChangeType: change.Type,
		Timestamp:  snap.ReadAt,
	}
	if change.Document != nil {
		ev.DocumentID = change.Document.ID
		ev.Payload = change.Document
	}
	return ev
}
