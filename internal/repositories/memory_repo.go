package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prudhvinik1/livesync/internal/models"
)

// MemoryDocumentRepository is an in-process document store with live queries.
// Writers are serialized, which makes every batch and transaction atomic and
// isolated. It backs tests and local runs without Postgres.
type MemoryDocumentRepository struct {
	// writeMu serializes writers and transactions; mu guards the data.
	writeMu sync.Mutex
	mu      sync.RWMutex

	collections map[string]map[string]*models.Document
	watchers    map[*snapshotWatcher]string
	now         func() time.Time

	failAfter int
	failErr   error
}

var _ DocumentRepository = (*MemoryDocumentRepository)(nil)

func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{
		collections: map[string]map[string]*models.Document{},
		watchers:    map[*snapshotWatcher]string{},
		now:         time.Now,
		failAfter:   -1,
	}
}

// SetClock replaces the time source used for document timestamps.
func (r *MemoryDocumentRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// FailNextWrite makes the next write, batch or transaction commit fail with
// err after n of its operations have been staged. Nothing is committed.
func (r *MemoryDocumentRepository) FailNextWrite(n int, err error) {
	r.mu.Lock()
	r.failAfter = n
	r.failErr = err
	r.mu.Unlock()
}

// InjectWatchError delivers err to every live query on collection.
func (r *MemoryDocumentRepository) InjectWatchError(collection string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for w, c := range r.watchers {
		if c == collection {
			w.fail(err)
		}
	}
}

func (r *MemoryDocumentRepository) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (r *MemoryDocumentRepository) Query(ctx context.Context, collection string, q models.Query) ([]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateQuery(collection, q); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.queryLocked(collection, q, nil), nil
}

func (r *MemoryDocumentRepository) Set(ctx context.Context, doc *models.Document) error {
	ops := []memoryOp{{WriteOp: models.WriteOp{Kind: models.WriteSet, Collection: doc.Collection, ID: doc.ID, Data: doc.Data}, version: doc.Version}}
	committed, err := r.commit(ctx, ops)
	if err != nil {
		return err
	}
	stored := committed[docKey(doc.Collection, doc.ID)]
	doc.Version = stored.Version
	doc.CreatedAt = stored.CreatedAt
	doc.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryDocumentRepository) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	_, err := r.commit(ctx, []memoryOp{{WriteOp: models.WriteOp{Kind: models.WriteUpdate, Collection: collection, ID: id, Data: fields}}})
	return err
}

func (r *MemoryDocumentRepository) Delete(ctx context.Context, collection, id string) error {
	_, err := r.commit(ctx, []memoryOp{{WriteOp: models.WriteOp{Kind: models.WriteDelete, Collection: collection, ID: id}, mustExist: true}})
	return err
}

func (r *MemoryDocumentRepository) Batch(ctx context.Context, ops []models.WriteOp) error {
	staged := make([]memoryOp, 0, len(ops))
	for _, op := range ops {
		staged = append(staged, memoryOp{WriteOp: op})
	}
	_, err := r.commit(ctx, staged)
	return err
}

func (r *MemoryDocumentRepository) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx := &memoryTx{repo: r, staged: map[string]*models.Document{}}
	if err := fn(tx); err != nil {
		return err
	}
	_, err := r.commitLocked(ctx, tx.ops)
	return err
}

func (r *MemoryDocumentRepository) Watch(ctx context.Context, collection string, q models.Query) (Watcher, error) {
	if err := ValidateQuery(collection, q); err != nil {
		return nil, err
	}

	eval := func(ctx context.Context) ([]*models.Document, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.queryLocked(collection, q, nil), nil
	}
	onClose := func(w *snapshotWatcher) {
		r.mu.Lock()
		delete(r.watchers, w)
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w := newSnapshotWatcher(ctx, eval, onClose, r.now)
	r.watchers[w] = collection
	return w, nil
}

type memoryOp struct {
	models.WriteOp
	version   int64
	mustExist bool
}

func (r *MemoryDocumentRepository) commit(ctx context.Context, ops []memoryOp) (map[string]*models.Document, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.commitLocked(ctx, ops)
}

// commitLocked stages every op against a private overlay and publishes the
// overlay only when all of them succeeded. Callers hold writeMu.
func (r *MemoryDocumentRepository) commitLocked(ctx context.Context, ops []memoryOp) (map[string]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	failAfter, failErr := r.failAfter, r.failErr
	r.failAfter, r.failErr = -1, nil

	now := r.now()
	overlay := map[string]*models.Document{}
	lookup := func(collection, id string) (*models.Document, bool) {
		if doc, ok := overlay[docKey(collection, id)]; ok {
			return doc, doc != nil
		}
		doc, ok := r.collections[collection][id]
		return doc, ok
	}

	for i, op := range ops {
		if failAfter >= 0 && i >= failAfter {
			return nil, fmt.Errorf("failed to commit batch at op %d: %w", i, failErr)
		}
		if op.Collection == "" || op.ID == "" {
			return nil, fmt.Errorf("%w: write needs collection and id", ErrInvalidQuery)
		}

		key := docKey(op.Collection, op.ID)
		existing, exists := lookup(op.Collection, op.ID)

		switch op.Kind {
		case models.WriteSet:
			if op.version > 0 && (!exists || existing.Version != op.version) {
				return nil, ErrVersionConflict
			}
			doc := &models.Document{
				Collection: op.Collection,
				ID:         op.ID,
				Data:       models.CloneData(op.Data),
				Version:    1,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if exists {
				doc.Version = existing.Version + 1
				doc.CreatedAt = existing.CreatedAt
			}
			overlay[key] = doc
		case models.WriteUpdate:
			if !exists {
				return nil, fmt.Errorf("failed to update %s: %w", key, ErrNotFound)
			}
			doc := existing.Clone()
			for k, v := range models.CloneData(op.Data) {
				doc.Data[k] = v
			}
			doc.Version++
			doc.UpdatedAt = now
			overlay[key] = doc
		case models.WriteDelete:
			if !exists && op.mustExist {
				return nil, ErrNotFound
			}
			overlay[key] = nil
		default:
			return nil, fmt.Errorf("%w: unknown write kind %q", ErrInvalidQuery, op.Kind)
		}
	}
	if failAfter >= 0 && failAfter >= len(ops) && failErr != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", failErr)
	}

	touched := map[string]bool{}
	for key, doc := range overlay {
		collection, id := splitDocKey(key)
		if doc == nil {
			delete(r.collections[collection], id)
		} else {
			if r.collections[collection] == nil {
				r.collections[collection] = map[string]*models.Document{}
			}
			r.collections[collection][id] = doc
		}
		touched[collection] = true
	}
	for w, collection := range r.watchers {
		if touched[collection] {
			w.notify()
		}
	}
	return overlay, nil
}

// queryLocked evaluates q, preferring staged documents over committed ones.
func (r *MemoryDocumentRepository) queryLocked(collection string, q models.Query, staged map[string]*models.Document) []*models.Document {
	docs := make([]*models.Document, 0, len(r.collections[collection]))
	for id, doc := range r.collections[collection] {
		if s, ok := staged[docKey(collection, id)]; ok {
			if s != nil {
				docs = append(docs, s)
			}
			continue
		}
		docs = append(docs, doc)
	}
	for key, s := range staged {
		c, id := splitDocKey(key)
		if c != collection || s == nil {
			continue
		}
		if _, ok := r.collections[collection][id]; !ok {
			docs = append(docs, s)
		}
	}

	result := applyQuery(docs, q)
	out := make([]*models.Document, len(result))
	for i, doc := range result {
		out[i] = doc.Clone()
	}
	return out
}

// memoryTx buffers writes until RunInTx returns. Reads see the buffered
// writes of the same transaction.
type memoryTx struct {
	repo   *MemoryDocumentRepository
	ops    []memoryOp
	staged map[string]*models.Document
}

func (t *memoryTx) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if doc, ok := t.staged[docKey(collection, id)]; ok {
		if doc == nil {
			return nil, ErrNotFound
		}
		return doc.Clone(), nil
	}
	return t.repo.Get(ctx, collection, id)
}

func (t *memoryTx) Query(ctx context.Context, collection string, q models.Query) ([]*models.Document, error) {
	if err := ValidateQuery(collection, q); err != nil {
		return nil, err
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	return t.repo.queryLocked(collection, q, t.staged), nil
}

func (t *memoryTx) Set(ctx context.Context, doc *models.Document) error {
	t.ops = append(t.ops, memoryOp{WriteOp: models.WriteOp{Kind: models.WriteSet, Collection: doc.Collection, ID: doc.ID, Data: doc.Data}, version: doc.Version})
	staged := doc.Clone()
	staged.Data = models.CloneData(doc.Data)
	t.staged[docKey(doc.Collection, doc.ID)] = staged
	return nil
}

func (t *memoryTx) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	current, err := t.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to update %s: %w", docKey(collection, id), ErrNotFound)
		}
		return err
	}
	t.ops = append(t.ops, memoryOp{WriteOp: models.WriteOp{Kind: models.WriteUpdate, Collection: collection, ID: id, Data: fields}})
	for k, v := range models.CloneData(fields) {
		current.Data[k] = v
	}
	t.staged[docKey(collection, id)] = current
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, collection, id string) error {
	t.ops = append(t.ops, memoryOp{WriteOp: models.WriteOp{Kind: models.WriteDelete, Collection: collection, ID: id}})
	t.staged[docKey(collection, id)] = nil
	return nil
}

func docKey(collection, id string) string {
	return collection + "/" + id
}

func splitDocKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
