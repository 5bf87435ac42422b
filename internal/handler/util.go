// Package handler provides HTTP handlers for the local sync API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/api"
	"github.com/capitalize-ai/marketplace-sync/internal/middleware"
	"github.com/capitalize-ai/marketplace-sync/internal/outbox"
	"github.com/capitalize-ai/marketplace-sync/internal/service"
	"github.com/capitalize-ai/marketplace-sync/internal/timeline"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := middleware.Validate(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeServiceError maps a service error onto a status code.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, op string, err error) {
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, service.ErrConversationNotOpen):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, timeline.ErrUnknownItem), errors.Is(err, outbox.ErrUnknownItem):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, timeline.ErrLoadInProgress), errors.Is(err, timeline.ErrNotFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500:
		writeError(w, statusErr.Code, statusErr.Message)
	case api.IsNetworkError(err):
		log.Warn("marketplace API unreachable", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusBadGateway, "marketplace unavailable")
	default:
		log.Error("request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}
