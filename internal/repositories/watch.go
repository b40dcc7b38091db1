package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prudhvinik1/livesync/internal/models"
)

// snapshotWatcher turns "something in this collection changed" signals into
// per-document changes by re-running the query and diffing the result against
// the previous one. Signals arriving while a diff is in flight are coalesced
// into the next run, so a writer never blocks on a slow consumer.
type snapshotWatcher struct {
	eval    func(ctx context.Context) ([]*models.Document, error)
	onClose func(*snapshotWatcher)
	now     func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	snapshots chan models.Snapshot
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending []error

	last map[string]*models.Document
}

func newSnapshotWatcher(
	ctx context.Context,
	eval func(ctx context.Context) ([]*models.Document, error),
	onClose func(*snapshotWatcher),
	now func() time.Time,
) *snapshotWatcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &snapshotWatcher{
		eval:      eval,
		onClose:   onClose,
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		snapshots: make(chan models.Snapshot),
		errs:      make(chan error),
		done:      make(chan struct{}),
		last:      map[string]*models.Document{},
	}
	w.wake <- struct{}{}
	go w.run()
	return w
}

func (w *snapshotWatcher) Snapshots() <-chan models.Snapshot { return w.snapshots }

func (w *snapshotWatcher) Errors() <-chan error { return w.errs }

func (w *snapshotWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
		if w.onClose != nil {
			w.onClose(w)
		}
	})
	return nil
}

// notify schedules a re-evaluation without blocking.
func (w *snapshotWatcher) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// fail queues err for delivery on the error channel.
func (w *snapshotWatcher) fail(err error) {
	w.mu.Lock()
	w.pending = append(w.pending, err)
	w.mu.Unlock()
	w.notify()
}

func (w *snapshotWatcher) takePending() []error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.pending
	w.pending = nil
	return out
}

func (w *snapshotWatcher) run() {
	defer close(w.done)
	defer close(w.errs)
	defer close(w.snapshots)
	defer w.cancel()

	first := true
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}

		for _, err := range w.takePending() {
			if !w.sendErr(err) || !IsTransient(err) {
				return
			}
		}

		docs, err := w.eval(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if !w.sendErr(err) || !IsTransient(err) {
				return
			}
			continue
		}

		changes := w.diff(docs)
		if len(changes) == 0 && !first {
			continue
		}
		first = false

		select {
		case w.snapshots <- models.Snapshot{Changes: changes, ReadAt: w.now()}:
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *snapshotWatcher) sendErr(err error) bool {
	select {
	case w.errs <- err:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// diff compares the new result set with the previous one. Added and modified
// documents follow result order; removals follow, ordered by id.
func (w *snapshotWatcher) diff(docs []*models.Document) []models.DocumentChange {
	current := make(map[string]*models.Document, len(docs))
	var changes []models.DocumentChange

	for _, doc := range docs {
		current[doc.ID] = doc
		prev, ok := w.last[doc.ID]
		switch {
		case !ok:
			changes = append(changes, models.DocumentChange{Type: models.ChangeAdded, Document: doc.Clone()})
		case prev.Version != doc.Version || !prev.UpdatedAt.Equal(doc.UpdatedAt):
			changes = append(changes, models.DocumentChange{Type: models.ChangeModified, Document: doc.Clone()})
		}
	}

	var removed []string
	for id := range w.last {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		changes = append(changes, models.DocumentChange{Type: models.ChangeRemoved, Document: w.last[id].Clone()})
	}

	w.last = current
	return changes
}
