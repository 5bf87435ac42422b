package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketplace-sync/internal/middleware"
	"github.com/capitalize-ai/marketplace-sync/internal/service"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

// DraftRequest is the body of PUT /conversations/{id}/draft.
type DraftRequest struct {
	Body string `json:"body" validate:"max=5000"`
}

// OpenResponse is returned when a conversation view is mounted.
type OpenResponse struct {
	service.TimelineView
	Draft string `json:"draft,omitempty"`
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	conversations *service.ConversationService
	messages      *service.MessageService
	logger        *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(convs *service.ConversationService, msgs *service.MessageService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: convs,
		messages:      msgs,
		logger:        log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.conversations.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "list conversations", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": convs,
		"count":         len(convs),
	})
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	store, err := h.conversations.Open(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, "open conversation", err)
		return
	}

	writeJSON(w, http.StatusOK, OpenResponse{
		TimelineView: service.View(store),
		Draft:        h.messages.Draft(id),
	})
}

// Close handles DELETE /api/v1/conversations/{id}/open
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if !h.conversations.Close(id) {
		writeError(w, http.StatusNotFound, service.ErrConversationNotOpen.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Read handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) Read(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.conversations.MarkRead(r.Context(), id); err != nil {
		writeServiceError(w, h.logger, "mark conversation read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Draft handles PUT /api/v1/conversations/{id}/draft
func (h *ConversationHandler) Draft(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req DraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	h.messages.SetDraft(id, req.Body)
	w.WriteHeader(http.StatusNoContent)
}

func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}
