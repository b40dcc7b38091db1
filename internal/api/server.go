// Package api exposes the sync core over HTTP: JSON endpoints for the
// notification and conversation stores, and Server-Sent Events for live
// lists and sync state.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/livesync"
	"github.com/prudhvinik1/livesync/internal/services"
)

type Server struct {
	client *livesync.Client
	tokens *services.TokenService
	logger zerolog.Logger
}

func NewServer(client *livesync.Client, tokens *services.TokenService, logger zerolog.Logger) *Server {
	return &Server{
		client: client,
		tokens: tokens,
		logger: logger,
	}
}

// Routes builds the router. Everything under /v1 requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/sync", s.handleSyncState)
		r.Get("/sync/events", s.handleSyncEvents)
		r.Delete("/subscriptions", s.handleUnsubscribeAll)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Post("/", s.handleCreateNotification)
			r.Delete("/", s.handleDeleteAllNotifications)
			r.Get("/unread-count", s.handleNotificationUnreadCount)
			r.Get("/stats", s.handleNotificationStats)
			r.Get("/events", s.handleNotificationEvents)
			r.Post("/fan-out", s.handleFanOut)
			r.Post("/read-all", s.handleMarkAllNotificationsRead)
			r.Post("/{notificationID}/read", s.handleMarkNotificationRead)
			r.Delete("/{notificationID}", s.handleDeleteNotification)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/direct", s.handleCreateDirect)
			r.Post("/group", s.handleCreateGroup)
			r.Get("/unread-count", s.handleTotalUnread)
			r.Get("/events", s.handleConversationEvents)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", s.handleGetConversation)
				r.Get("/messages", s.handleListMessages)
				r.Post("/messages", s.handleSendMessage)
				r.Get("/messages/events", s.handleMessageEvents)
				r.Post("/read", s.handleMarkConversationRead)
				r.Post("/archive", s.handleArchive)
				r.Delete("/archive", s.handleUnarchive)
				r.Post("/reconcile", s.handleReconcile)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "healthy"}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode health response")
	}
}
