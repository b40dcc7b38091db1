package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextSnapshot(t *testing.T, w Watcher) models.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-w.Snapshots():
		require.True(t, ok, "snapshot channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return models.Snapshot{}
}

func nextError(t *testing.T, w Watcher) error {
	t.Helper()
	select {
	case err, ok := <-w.Errors():
		require.True(t, ok, "error channel closed")
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch error")
	}
	return nil
}

func seed(t *testing.T, repo *MemoryDocumentRepository, collection, id string, data map[string]any) {
	t.Helper()
	require.NoError(t, repo.Set(context.Background(), &models.Document{Collection: collection, ID: id, Data: data}))
}

func TestMemoryRepository_SetAndGet(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()

	doc := &models.Document{Collection: "notifications", ID: "n1", Data: map[string]any{"title": "hello"}}
	require.NoError(t, repo.Set(ctx, doc))
	assert.Equal(t, int64(1), doc.Version)
	assert.False(t, doc.CreatedAt.IsZero())

	got, err := repo.Get(ctx, "notifications", "n1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Data["title"])

	// Mutating the returned copy must not leak into the store
	got.Data["title"] = "changed"
	again, err := repo.Get(ctx, "notifications", "n1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Data["title"])

	_, err = repo.Get(ctx, "notifications", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_VersionConflict(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()

	doc := &models.Document{Collection: "c", ID: "1", Data: map[string]any{"n": 1}}
	require.NoError(t, repo.Set(ctx, doc))
	require.NoError(t, repo.Set(ctx, doc))
	assert.Equal(t, int64(2), doc.Version)

	stale := &models.Document{Collection: "c", ID: "1", Data: map[string]any{"n": 3}, Version: 1}
	assert.ErrorIs(t, repo.Set(ctx, stale), ErrVersionConflict)

	got, err := repo.Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Data["n"])
}

func TestMemoryRepository_UpdateAndDelete(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()
	seed(t, repo, "c", "1", map[string]any{"a": "x", "b": "y"})

	require.NoError(t, repo.Update(ctx, "c", "1", map[string]any{"b": "z"}))
	got, err := repo.Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Data["a"])
	assert.Equal(t, "z", got.Data["b"])
	assert.Equal(t, int64(2), got.Version)

	assert.ErrorIs(t, repo.Update(ctx, "c", "missing", map[string]any{"b": 1}), ErrNotFound)

	require.NoError(t, repo.Delete(ctx, "c", "1"))
	assert.ErrorIs(t, repo.Delete(ctx, "c", "1"), ErrNotFound)
}

func TestMemoryRepository_BatchIsAtomic(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()
	seed(t, repo, "c", "1", map[string]any{"read": false})

	err := repo.Batch(ctx, []models.WriteOp{
		{Kind: models.WriteUpdate, Collection: "c", ID: "1", Data: map[string]any{"read": true}},
		{Kind: models.WriteUpdate, Collection: "c", ID: "missing", Data: map[string]any{"read": true}},
	})
	require.Error(t, err)

	got, err := repo.Get(ctx, "c", "1")
	require.NoError(t, err)
	assert.Equal(t, false, got.Data["read"], "first op must not be committed")

	// Deleting an absent document inside a batch is not an error
	require.NoError(t, repo.Batch(ctx, []models.WriteOp{
		{Kind: models.WriteDelete, Collection: "c", ID: "absent"},
		{Kind: models.WriteSet, Collection: "c", ID: "2", Data: map[string]any{"read": true}},
	}))
	_, err = repo.Get(ctx, "c", "2")
	assert.NoError(t, err)
}

func TestMemoryRepository_FailNextWrite(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()

	repo.FailNextWrite(1, ErrUnavailable)
	err := repo.Batch(ctx, []models.WriteOp{
		{Kind: models.WriteSet, Collection: "c", ID: "1", Data: map[string]any{}},
		{Kind: models.WriteSet, Collection: "c", ID: "2", Data: map[string]any{}},
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	docs, err := repo.Query(ctx, "c", models.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)

	// The failure is armed once
	require.NoError(t, repo.Set(ctx, &models.Document{Collection: "c", ID: "1", Data: map[string]any{}}))
}

func TestMemoryRepository_RunInTx(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()
	seed(t, repo, "counters", "c1", map[string]any{"n": 1})

	err := repo.RunInTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.Set(ctx, &models.Document{Collection: "items", ID: "i1", Data: map[string]any{"owner": "u1"}}))

		// Reads inside the transaction see its own writes
		staged, err := tx.Get(ctx, "items", "i1")
		require.NoError(t, err)
		assert.Equal(t, "u1", staged.Data["owner"])

		docs, err := tx.Query(ctx, "items", models.Query{}.Where("owner", models.OpEqual, "u1"))
		require.NoError(t, err)
		assert.Len(t, docs, 1)

		// Nothing is visible outside before commit
		_, err = repo.Get(ctx, "items", "i1")
		assert.ErrorIs(t, err, ErrNotFound)

		return tx.Update(ctx, "counters", "c1", map[string]any{"n": 2})
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "counters", "c1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Data["n"])
	_, err = repo.Get(ctx, "items", "i1")
	assert.NoError(t, err)
}

func TestMemoryRepository_RunInTxRollsBack(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.RunInTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.Set(ctx, &models.Document{Collection: "c", ID: "1", Data: map[string]any{}}))
		require.NoError(t, tx.Delete(ctx, "c", "1"))
		_, err := tx.Get(ctx, "c", "1")
		assert.ErrorIs(t, err, ErrNotFound)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	repo.FailNextWrite(0, ErrUnavailable)
	err = repo.RunInTx(ctx, func(tx Tx) error {
		return tx.Set(ctx, &models.Document{Collection: "c", ID: "2", Data: map[string]any{}})
	})
	assert.ErrorIs(t, err, ErrUnavailable)

	docs, err := repo.Query(ctx, "c", models.Query{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestMemoryRepository_Watch(t *testing.T) {
	repo := NewMemoryDocumentRepository()
	ctx := context.Background()
	seed(t, repo, "messages", "m1", map[string]any{"conversationId": "c1", "ts": 1})
	seed(t, repo, "messages", "other", map[string]any{"conversationId": "c2", "ts": 1})

	w, err := repo.Watch(ctx, "messages", models.Query{}.Where("conversationId", models.OpEqual, "c1"))
	require.NoError(t, err)
	defer w.Close()

	initial := nextSnapshot(t, w)
	require.Len(t, initial.Changes, 1)
	assert.Equal(t, models.ChangeAdded, initial.Changes[0].Type)
	assert.Equal(t, "m1", initial.Changes[0].Document.ID)

	seed(t, repo, "messages", "m2", map[string]any{"conversationId": "c1", "ts": 2})
	added := nextSnapshot(t, w)
	require.Len(t, added.Changes, 1)
	assert.Equal(t, models.ChangeAdded, added.Changes[0].Type)
	assert.Equal(t, "m2", added.Changes[0].Document.ID)

	require.NoError(t, repo.Update(ctx, "messages", "m1", map[string]any{"ts": 3}))
	modified := nextSnapshot(t, w)
	require.Len(t, modified.Changes, 1)
	assert.Equal(t, models.ChangeModified, modified.Changes[0].Type)

	require.NoError(t, repo.Delete(ctx, "messages", "m2"))
	removed := nextSnapshot(t, w)
	require.Len(t, removed.Changes, 1)
	assert.Equal(t, models.ChangeRemoved, removed.Changes[0].Type)
	assert.Equal(t, "m2", removed.Changes[0].Document.ID)
}

func TestMemoryRepository_WatchEmptyInitial(t *testing.T) {
	repo := NewMemoryDocumentRepository()

	w, err := repo.Watch(context.Background(), "notifications", models.Query{})
	require.NoError(t, err)
	defer w.Close()

	snap := nextSnapshot(t, w)
	assert.Empty(t, snap.Changes)
}

func TestMemoryRepository_WatchErrors(t *testing.T) {
	repo := NewMemoryDocumentRepository()

	w, err := repo.Watch(context.Background(), "c", models.Query{})
	require.NoError(t, err)
	defer w.Close()
	nextSnapshot(t, w)

	// Transient errors are reported and the watch keeps running
	repo.InjectWatchError("c", ErrUnavailable)
	assert.ErrorIs(t, nextError(t, w), ErrUnavailable)

	seed(t, repo, "c", "1", map[string]any{})
	snap := nextSnapshot(t, w)
	require.Len(t, snap.Changes, 1)

	// Terminal errors stop it
	repo.InjectWatchError("c", ErrPermissionDenied)
	assert.ErrorIs(t, nextError(t, w), ErrPermissionDenied)
	select {
	case _, ok := <-w.Snapshots():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after terminal error")
	}
}

func TestMemoryRepository_WatchClose(t *testing.T) {
	repo := NewMemoryDocumentRepository()

	w, err := repo.Watch(context.Background(), "c", models.Query{})
	require.NoError(t, err)
	nextSnapshot(t, w)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	repo.mu.RLock()
	assert.Empty(t, repo.watchers)
	repo.mu.RUnlock()

	_, err = repo.Watch(context.Background(), "", models.Query{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
