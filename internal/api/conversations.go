package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prudhvinik1/livesync/internal/models"
	"github.com/prudhvinik1/livesync/internal/services"
)

type createDirectRequest struct {
	UserID string            `json:"user_id"`
	Names  map[string]string `json:"names,omitempty"`
}

type createGroupRequest struct {
	Participants []string          `json:"participants"`
	Names        map[string]string `json:"names,omitempty"`
	Title        string            `json:"title,omitempty"`
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	RecipientID string `json:"recipient_id,omitempty"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	writeJSON(w, http.StatusOK, s.client.Conversations.ListConversations(r.Context(), userID(r), includeArchived))
}

func (s *Server) handleCreateDirect(w http.ResponseWriter, r *http.Request) {
	var req createDirectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.client.Conversations.CreateDirect(r.Context(), userID(r), req.UserID, req.Names)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.client.Conversations.CreateGroup(r.Context(), userID(r), req.Participants, req.Names, req.Title)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleTotalUnread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, countResponse{Count: s.client.Conversations.TotalUnread(r.Context(), userID(r))})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.memberConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, ok := s.memberConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.client.Conversations.ListMessages(r.Context(), conv.ID, limit))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.client.Conversations.SendMessage(r.Context(), &models.Message{
		ConversationID: chi.URLParam(r, "conversationID"),
		SenderID:       userID(r),
		RecipientID:    req.RecipientID,
		Content:        req.Content,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleMarkConversationRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.client.Conversations.MarkConversationRead(r.Context(), chi.URLParam(r, "conversationID"), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, s.client.Conversations.Archive)
}

func (s *Server) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, s.client.Conversations.Unarchive)
}

func (s *Server) setArchived(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, conversationID, userID string) error) {
	if err := fn(r.Context(), chi.URLParam(r, "conversationID"), userID(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReconcile recomputes the unread counters from the message log.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.memberConversation(w, r)
	if !ok {
		return
	}
	counts, err := s.client.Conversations.ReconcileUnread(r.Context(), conv.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// memberConversation loads the path conversation. Conversations the caller
// does not belong to are reported as missing.
func (s *Server) memberConversation(w http.ResponseWriter, r *http.Request) (*models.Conversation, bool) {
	conv, err := s.client.Conversations.GetConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !conv.HasParticipant(userID(r)) {
		writeServiceError(w, r, services.ErrConversationNotFound)
		return nil, false
	}
	return conv, true
}

func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	s.serveEvents(w, r, "conversations", func(push func(any), fail func(error)) (func(), error) {
		return s.client.Conversations.SubscribeConversations(r.Context(), user, func(list []models.Conversation) {
			push(list)
		}, endOnError(fail))
	})
}

func (s *Server) handleMessageEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.memberConversation(w, r)
	if !ok {
		return
	}
	s.serveEvents(w, r, "messages", func(push func(any), fail func(error)) (func(), error) {
		return s.client.Conversations.SubscribeMessages(r.Context(), conv.ID, userID(r), func(list []models.Message) {
			push(list)
		}, endOnError(fail))
	})
}
