package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketplace-sync/internal/api"
	"github.com/capitalize-ai/marketplace-sync/internal/middleware"
	"github.com/capitalize-ai/marketplace-sync/internal/service"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

// SendRequest is the body of POST /conversations/{id}/messages.
type SendRequest struct {
	Body string `json:"body" validate:"required"`
}

// MessageHandler handles timeline and send endpoints.
type MessageHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	logger        *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(convs *service.ConversationService, msgs *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		conversations: convs,
		messages:      msgs,
		logger:        log,
	}
}

// List handles GET /api/v1/conversations/{id}/messages
// With ?older=1 the next older page is loaded first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if older := r.URL.Query().Get("older"); older == "1" || older == "true" {
		store, err := h.conversations.LoadOlder(r.Context(), id)
		if err != nil {
			writeServiceError(w, h.logger, "load older messages", err)
			return
		}
		writeJSON(w, http.StatusOK, service.View(store))
		return
	}

	store, ok := h.conversations.Timeline(id)
	if !ok {
		writeError(w, http.StatusNotFound, service.ErrConversationNotOpen.Error())
		return
	}
	writeJSON(w, http.StatusOK, service.View(store))
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateMessageContent(req.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.messages.Send(r.Context(), id, req.Body)
	h.writeSend(w, "send message", res, err)
}

// Retry handles POST /api/v1/conversations/{id}/messages/{key}/retry
func (h *MessageHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	key, ok := itemKey(w, r)
	if !ok {
		return
	}

	res, err := h.messages.Retry(r.Context(), id, key)
	h.writeSend(w, "retry message", res, err)
}

// Discard handles DELETE /api/v1/conversations/{id}/messages/{key}
func (h *MessageHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	key, ok := itemKey(w, r)
	if !ok {
		return
	}

	if err := h.messages.Discard(id, key); err != nil {
		writeServiceError(w, h.logger, "discard message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Typing handles POST /api/v1/conversations/{id}/typing
func (h *MessageHandler) Typing(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	h.messages.Typing(id)
	w.WriteHeader(http.StatusAccepted)
}

// SendResponse carries the outcome of a send that reached the timeline.
type SendResponse struct {
	service.SendResult
	Error string `json:"error,omitempty"`
}

// writeSend reports a send. Once an optimistic item exists the outcome is
// returned even on failure so the UI can reconcile the item.
func (h *MessageHandler) writeSend(w http.ResponseWriter, op string, res service.SendResult, err error) {
	if err == nil {
		writeJSON(w, sendStatus(res), SendResponse{SendResult: res})
		return
	}
	if res.Key == "" {
		writeServiceError(w, h.logger, op, err)
		return
	}

	status := http.StatusBadGateway
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
		status = statusErr.Code
	}
	writeJSON(w, status, SendResponse{SendResult: res, Error: err.Error()})
}

// sendStatus is 201 for a confirmed send, 202 when the message was queued
// or needs attention.
func sendStatus(res service.SendResult) int {
	if res.Message != nil {
		return http.StatusCreated
	}
	return http.StatusAccepted
}

func itemKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateItemID(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return key, true
}
