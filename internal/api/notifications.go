package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/repositories"
)

type createNotificationRequest struct {
	UserID   string                      `json:"user_id"`
	Type     models.NotificationType     `json:"type"`
	Title    string                      `json:"title"`
	Message  string                      `json:"message"`
	Data     map[string]any              `json:"data,omitempty"`
	Priority models.NotificationPriority `json:"priority,omitempty"`
}

func (req createNotificationRequest) notification() models.Notification {
	return models.Notification{
		UserID:   req.UserID,
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Data:     req.Data,
		Priority: req.Priority,
	}
}

type fanOutRequest struct {
	RecipientIDs []string                  `json:"recipient_ids"`
	Notification createNotificationRequest `json:"notification"`
}

type idResponse struct {
	ID string `json:"id"`
}

type countResponse struct {
	Count int `json:"count"`
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.client.Notifications.List(r.Context(), userID(r), limit))
}

func (s *Server) handleNotificationUnreadCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.client.Notifications.UnreadCount(r.Context(), userID(r))})
}

func (s *Server) handleNotificationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.client.Notifications.Stats(r.Context(), userID(r)))
}

// handleCreateNotification is the producer entry point for a single user.
func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n := req.notification()
	id, err := s.client.Notifications.Create(r.Context(), &n)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleFanOut(w http.ResponseWriter, r *http.Request) {
	var req fanOutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids, err := s.client.Notifications.FanOut(r.Context(), req.RecipientIDs, req.Notification.notification())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownNotification(w, r)
	if !ok {
		return
	}
	if err := s.client.Notifications.MarkRead(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.Notifications.MarkAllRead(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownNotification(w, r)
	if !ok {
		return
	}
	if err := s.client.Notifications.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.Notifications.DeleteAll(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// ownNotification resolves the path id to a notification of the caller.
// Notifications of other users are reported as missing.
func (s *Server) ownNotification(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "notificationID")
	n, err := s.client.Notifications.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return "", false
	}
	if n.UserID != userID(r) {
		writeServiceError(w, r, repositories.ErrNotFound)
		return "", false
	}
	return id, true
}

func (s *Server) handleNotificationEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := userID(r)
	s.serveEvents(w, r, "notifications", func(push func(any), fail func(error)) (func(), error) {
		unsubscribe, err := s.client.Notifications.SubscribeLive(r.Context(), user, limit, func(list []models.Notification) {
			push(list)
		}, endOnError(fail))
		return unsubscribe, err
	})
}
