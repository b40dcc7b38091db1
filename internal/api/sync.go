package api

import (
	"net/http"

	"github.com/prudhvinik1/livesync/internal/models"
)

type syncStateResponse struct {
	models.SyncState
	Status models.ConnectivityStatus `json:"status"`
}

func newSyncStateResponse(state models.SyncState) syncStateResponse {
	return syncStateResponse{SyncState: state, Status: state.Status()}
}

// handleSyncState reports the caller's own session. Only connectivity is
// shared between users.
func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSyncStateResponse(s.client.Sessions.For(userID(r)).Snapshot()))
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	s.serveEvents(w, r, "sync", func(push func(any), _ func(error)) (func(), error) {
		return s.client.Sessions.For(user).Subscribe(func(state models.SyncState) {
			push(newSyncStateResponse(state))
		}), nil
	})
}

// handleUnsubscribeAll tears down every live query and the sync session
// owned by the caller, typically on sign-out.
func (s *Server) handleUnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	s.client.EndSession(userID(r))
	w.WriteHeader(http.StatusNoContent)
}
