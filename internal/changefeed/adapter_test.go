package changefeed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

const waitTimeout = 2 * time.Second

func newTestAdapter(t *testing.T) (*Adapter, *repositories.MemoryDocumentRepository) {
	t.Helper()
	repo := repositories.NewMemoryDocumentRepository()
	a := NewAdapter(repo, zerolog.Nop())
	t.Cleanup(a.CloseAll)
	return a, repo
}

func nextBatch(t *testing.T, s *Stream) Batch {
	t.Helper()
	select {
	case b, ok := <-s.Batches():
		require.True(t, ok, "stream closed while waiting for a batch")
		return b
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a batch")
	}
	return Batch{}
}

func nextError(t *testing.T, s *Stream) *StreamError {
	t.Helper()
	select {
	case err, ok := <-s.Errors():
		require.True(t, ok, "stream closed while waiting for an error")
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an error")
	}
	return nil
}

func TestOpenLiveQuery_InitialBatch(t *testing.T) {
	// ARRANGE
	a, repo := newTestAdapter(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Set(ctx, &models.Document{
			Collection: "notifications",
			ID:         fmt.Sprintf("n%d", i),
			Data:       map[string]any{"userId": "u1", "createdAt": i},
		}))
	}

	// ACT
	s, err := a.OpenLiveQuery(ctx, "notifications", models.Query{}.Where("userId", models.OpEqual, "u1").Order("createdAt", true))
	require.NoError(t, err)
	b := nextBatch(t, s)

	// ASSERT
	assert.True(t, b.Initial)
	require.Len(t, b.Events, 3)
	ids := []string{b.Events[0].DocumentID, b.Events[1].DocumentID, b.Events[2].DocumentID}
	assert.Equal(t, []string{"n3", "n2", "n1"}, ids)
	for _, ev := range b.Events {
		assert.Equal(t, models.ChangeAdded, ev.ChangeType)
		assert.Equal(t, "notifications", ev.Collection)
		assert.NotNil(t, ev.Payload)
	}
}

func TestOpenLiveQuery_EmptyInitialBatch(t *testing.T) {
	a, _ := newTestAdapter(t)

	s, err := a.OpenLiveQuery(context.Background(), "messages", models.Query{})
	require.NoError(t, err)

	b := nextBatch(t, s)
	assert.True(t, b.Initial)
	assert.Empty(t, b.Events)
}

func TestStream_EmitsAddedModifiedRemoved(t *testing.T) {
	// ARRANGE
	a, repo := newTestAdapter(t)
	ctx := context.Background()
	s, err := a.OpenLiveQuery(ctx, "messages", models.Query{})
	require.NoError(t, err)
	nextBatch(t, s)

	// ACT + ASSERT
	require.NoError(t, repo.Set(ctx, &models.Document{Collection: "messages", ID: "m1", Data: map[string]any{"content": "hi"}}))
	b := nextBatch(t, s)
	require.Len(t, b.Events, 1)
	assert.Equal(t, models.ChangeAdded, b.Events[0].ChangeType)
	assert.False(t, b.Initial)

	require.NoError(t, repo.Update(ctx, "messages", "m1", map[string]any{"content": "edited"}))
	b = nextBatch(t, s)
	require.Len(t, b.Events, 1)
	assert.Equal(t, models.ChangeModified, b.Events[0].ChangeType)
	assert.Equal(t, "edited", b.Events[0].Payload.Data["content"])

	require.NoError(t, repo.Delete(ctx, "messages", "m1"))
	b = nextBatch(t, s)
	require.Len(t, b.Events, 1)
	assert.Equal(t, models.ChangeRemoved, b.Events[0].ChangeType)
	assert.Equal(t, "m1", b.Events[0].DocumentID)
}

func TestStream_BatchWriteIsOneBatch(t *testing.T) {
	a, repo := newTestAdapter(t)
	ctx := context.Background()
	s, err := a.OpenLiveQuery(ctx, "notifications", models.Query{}.Order("createdAt", false))
	require.NoError(t, err)
	nextBatch(t, s)

	require.NoError(t, repo.Batch(ctx, []models.WriteOp{
		{Kind: models.WriteSet, Collection: "notifications", ID: "a", Data: map[string]any{"createdAt": 1}},
		{Kind: models.WriteSet, Collection: "notifications", ID: "b", Data: map[string]any{"createdAt": 2}},
	}))

	b := nextBatch(t, s)
	require.Len(t, b.Events, 2)
	assert.Equal(t, "a", b.Events[0].DocumentID)
	assert.Equal(t, "b", b.Events[1].DocumentID)
}

func TestStream_TransientErrorKeepsStreamOpen(t *testing.T) {
	// ARRANGE
	a, repo := newTestAdapter(t)
	ctx := context.Background()
	s, err := a.OpenLiveQuery(ctx, "messages", models.Query{})
	require.NoError(t, err)
	nextBatch(t, s)

	// ACT
	repo.InjectWatchError("messages", fmt.Errorf("%w: connection reset", repositories.ErrUnavailable))
	serr := nextError(t, s)

	// ASSERT
	assert.True(t, serr.Transient)
	assert.True(t, errors.Is(serr, repositories.ErrUnavailable))

	require.NoError(t, repo.Set(ctx, &models.Document{Collection: "messages", ID: "m1", Data: map[string]any{}}))
	b := nextBatch(t, s)
	require.Len(t, b.Events, 1)
	assert.Equal(t, "m1", b.Events[0].DocumentID)
}

func TestStream_TerminalErrorClosesStream(t *testing.T) {
	// ARRANGE
	a, repo := newTestAdapter(t)
	s, err := a.OpenLiveQuery(context.Background(), "messages", models.Query{})
	require.NoError(t, err)
	nextBatch(t, s)

	// ACT
	repo.InjectWatchError("messages", repositories.ErrPermissionDenied)
	serr := nextError(t, s)

	// ASSERT
	assert.False(t, serr.Transient)
	assert.ErrorIs(t, serr, repositories.ErrPermissionDenied)
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatal("stream did not stop after a terminal error")
	}
	assert.Eventually(t, func() bool { return a.OpenStreams() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestOpenLiveQuery_RejectsMalformedQuery(t *testing.T) {
	a, _ := newTestAdapter(t)

	_, err := a.OpenLiveQuery(context.Background(), "", models.Query{})
	assert.ErrorIs(t, err, repositories.ErrInvalidQuery)

	_, err = a.OpenLiveQuery(context.Background(), "messages", models.Query{}.Where("x", "like", "y"))
	assert.ErrorIs(t, err, repositories.ErrInvalidQuery)
	assert.Equal(t, 0, a.OpenStreams())
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	a, _ := newTestAdapter(t)
	s, err := a.OpenLiveQuery(context.Background(), "messages", models.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, a.OpenStreams())

	assert.NotPanics(t, func() {
		a.Close(s)
		a.Close(s)
		s.Close()
	})
	assert.Equal(t, 0, a.OpenStreams())

	_, ok := <-s.Batches()
	assert.False(t, ok)
}

func TestCloseAll_RejectsNewStreams(t *testing.T) {
	a, _ := newTestAdapter(t)
	_, err := a.OpenLiveQuery(context.Background(), "messages", models.Query{})
	require.NoError(t, err)

	a.CloseAll()

	assert.Equal(t, 0, a.OpenStreams())
	_, err = a.OpenLiveQuery(context.Background(), "messages", models.Query{})
	assert.ErrorIs(t, err, ErrAdapterClosed)
}
