package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/prudhvinik1/livesync/internal/registry"
	"github.com/prudhvinik1/livesync/internal/repositories"
	"github.com/prudhvinik1/livesync/internal/services"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps store and service sentinels onto status codes.
// Unexpected errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	msg := http.StatusText(status)
	if status < http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		msg = err.Error()
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidNotification),
		errors.Is(err, services.ErrNoRecipients),
		errors.Is(err, services.ErrInvalidParticipants),
		errors.Is(err, services.ErrSelfConversation),
		errors.Is(err, services.ErrInvalidMessage),
		errors.Is(err, services.ErrInvalidRecipient),
		errors.Is(err, repositories.ErrInvalidQuery),
		errors.Is(err, registry.ErrNilHandler):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrNotParticipant),
		errors.Is(err, repositories.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, repositories.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repositories.ErrVersionConflict),
		errors.Is(err, services.ErrConversationConflict):
		return http.StatusConflict
	case errors.Is(err, registry.ErrClosed),
		repositories.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// intParam reads an optional non-negative integer query parameter.
func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
