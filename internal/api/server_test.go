package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/services"
)

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(t, "", http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
}

func TestAuthenticate(t *testing.T) {
	a := newTestAPI(t)

	// No credentials
	rec := a.do(t, "", http.MethodGet, "/v1/sync", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token signed with another secret
	other := services.NewTokenService("other-secret", time.Hour)
	forged, _, err := other.Issue("u1")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong scheme
	req = httptest.NewRequest(http.MethodGet, "/v1/sync", nil)
	req.Header.Set("Authorization", "Basic "+a.token(t, "u1"))
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Query parameter for EventSource clients
	req = httptest.NewRequest(http.MethodGet, "/v1/sync?access_token="+a.token(t, "u1"), nil)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncState(t *testing.T) {
	a := newTestAPI(t)
	a.client.Sessions.For("u1").RecordError("listener dropped")

	rec := a.do(t, "u1", http.MethodGet, "/v1/sync", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[syncStateResponse](t, rec)
	assert.True(t, body.IsOnline)
	assert.Equal(t, []string{"listener dropped"}, body.SyncErrors)
	assert.Equal(t, models.StatusStale, body.Status)
}

func TestSyncState_IsPerUser(t *testing.T) {
	// ARRANGE
	a := newTestAPI(t)
	a.client.Sessions.For("bob").RecordError("conversations: permission denied")

	// ACT: alice writes a notification nobody is watching
	rec := a.do(t, "alice", http.MethodPost, "/v1/notifications", createNotificationRequest{
		UserID: "carol",
		Type:   models.NotificationSystem,
		Title:  "Maintenance",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// ASSERT
	bob := decode[syncStateResponse](t, a.do(t, "bob", http.MethodGet, "/v1/sync", nil))
	assert.Equal(t, uint(0), bob.PendingChanges)
	assert.Len(t, bob.SyncErrors, 1)

	alice := decode[syncStateResponse](t, a.do(t, "alice", http.MethodGet, "/v1/sync", nil))
	assert.Equal(t, uint(1), alice.PendingChanges)
	assert.Empty(t, alice.SyncErrors)
	assert.True(t, alice.IsOnline)
}

func TestUnsubscribeAll(t *testing.T) {
	a := newTestAPI(t)
	unsubscribe, err := a.client.Notifications.SubscribeLive(t.Context(), "u1", 0, func([]models.Notification) {})
	require.NoError(t, err)
	defer unsubscribe()
	require.Equal(t, 1, a.client.Registry.ActiveQueries())

	// Another user's sign-out leaves it alone
	rec := a.do(t, "u2", http.MethodDelete, "/v1/subscriptions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, a.client.Registry.ActiveQueries())

	rec = a.do(t, "u1", http.MethodDelete, "/v1/subscriptions", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, a.client.Registry.ActiveQueries())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrInvalidMessage, http.StatusBadRequest},
		{fmt.Errorf("failed to fan out: %w", services.ErrNoRecipients), http.StatusBadRequest},
		{repositories.ErrInvalidQuery, http.StatusBadRequest},
		{services.ErrNotParticipant, http.StatusForbidden},
		{repositories.ErrPermissionDenied, http.StatusForbidden},
		{fmt.Errorf("failed to get notification: %w", repositories.ErrNotFound), http.StatusNotFound},
		{services.ErrConversationNotFound, http.StatusNotFound},
		{repositories.ErrVersionConflict, http.StatusConflict},
		{repositories.ErrUnavailable, http.StatusServiceUnavailable},
		{&pgconn.PgError{Code: "40001"}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestSyncEvents(t *testing.T) {
	a := newTestAPI(t)
	events := a.openEvents(t, "u1", "/v1/sync/events")

	first := waitFor(t, events, func(s syncStateResponse) bool { return true })
	assert.True(t, first.IsOnline)

	a.client.Sessions.SetOnline(false)
	offline := waitFor(t, events, func(s syncStateResponse) bool { return !s.IsOnline })
	assert.Equal(t, models.StatusOffline, offline.Status)
}
