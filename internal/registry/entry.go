package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/livesync/internal/changefeed"
	"github.com/prudhvinik1/livesync/internal/models"
)

// entry is one shared live query. handlers and closed are guarded by the
// registry mutex; docs, order, lastRead and ready by dispatchMu, which also
// serializes delivery so every handler sees batches in stream order.
type entry struct {
	key        string
	owner      string
	collection string
	stream     *changefeed.Stream

	handlers map[uint64]*handler
	nextID   uint64
	closed   bool

	dispatchMu sync.Mutex
	ready      bool
	docs       map[string]*models.Document
	order      []string
	lastRead   time.Time
}

// apply folds a batch into the known result set.
func (e *entry) apply(b changefeed.Batch) {
	if e.docs == nil {
		e.docs = map[string]*models.Document{}
	}
	for _, ev := range b.Events {
		switch ev.ChangeType {
		case models.ChangeAdded, models.ChangeModified:
			if _, ok := e.docs[ev.DocumentID]; !ok {
				e.order = append(e.order, ev.DocumentID)
			}
			e.docs[ev.DocumentID] = ev.Payload
		case models.ChangeRemoved:
			if _, ok := e.docs[ev.DocumentID]; ok {
				delete(e.docs, ev.DocumentID)
				for i, id := range e.order {
					if id == ev.DocumentID {
						e.order = append(e.order[:i], e.order[i+1:]...)
						break
					}
				}
			}
		}
	}
	e.lastRead = b.ReadAt
	e.ready = true
}

// replay describes the known result set as added events, in arrival order.
func (e *entry) replay() []models.ChangeEvent {
	events := make([]models.ChangeEvent, 0, len(e.order))
	for _, id := range e.order {
		events = append(events, models.ChangeEvent{
			Collection: e.collection,
			DocumentID: id,
			ChangeType: models.ChangeAdded,
			Timestamp:  e.lastRead,
			Payload:    e.docs[id],
		})
	}
	return events
}

func (e *entry) String() string {
	return fmt.Sprintf("%s(%s)", e.collection, e.owner)
}
