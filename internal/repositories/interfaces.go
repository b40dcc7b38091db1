package repositories

import (
	"context"

	"github.com/prudhvinik1/livesync/internal/models"
)

// DocumentRepository is the remote document store the sync core runs against.
// Batch and RunInTx are all-or-nothing.
type DocumentRepository interface {
	Get(ctx context.Context, collection, id string) (*models.Document, error)
	Query(ctx context.Context, collection string, q models.Query) ([]*models.Document, error)
	// Set replaces a document. A non-zero Version must match the stored
	// version or ErrVersionConflict is returned.
	Set(ctx context.Context, doc *models.Document) error
	// Update merges top-level fields into an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	Batch(ctx context.Context, ops []models.WriteOp) error
	// RunInTx runs fn in a multi-document transaction. fn may be invoked
	// more than once when the store retries a serialization failure.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// Watch opens a live query. The first snapshot carries the current
	// result set as added changes.
	Watch(ctx context.Context, collection string, q models.Query) (Watcher, error)
}

type Tx interface {
	Get(ctx context.Context, collection, id string) (*models.Document, error)
	Query(ctx context.Context, collection string, q models.Query) ([]*models.Document, error)
	Set(ctx context.Context, doc *models.Document) error
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
}

// Watcher is the push side of a live query. Both channels are closed once
// the watcher stops, either through Close or after a terminal error.
type Watcher interface {
	Snapshots() <-chan models.Snapshot
	Errors() <-chan error
	Close() error
}
