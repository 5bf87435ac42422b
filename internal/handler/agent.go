package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketplace-sync/internal/middleware"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/notify"
	"github.com/capitalize-ai/marketplace-sync/internal/outbox"
	"github.com/capitalize-ai/marketplace-sync/internal/service"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

// VisibilityRequest is the body of POST /visibility.
type VisibilityRequest struct {
	Visible *bool `json:"visible" validate:"required"`
}

// NetworkRequest is the body of POST /network.
type NetworkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// ViewingRequest is the body of POST /viewing.
type ViewingRequest struct {
	Viewing *bool `json:"viewing" validate:"required"`
}

// AgentHandler serves agent-wide state: status, UI lifecycle signals,
// the outbox, preferences and the debug log.
type AgentHandler struct {
	sync     *service.SyncService
	messages *service.MessageService
	fanout   *notify.Fanout
	outbox   *outbox.Outbox
	ring     *logger.Ring
	logger   *logger.Logger
}

// NewAgentHandler creates a new agent handler. ring may be nil.
func NewAgentHandler(
	sync *service.SyncService,
	msgs *service.MessageService,
	fanout *notify.Fanout,
	ob *outbox.Outbox,
	ring *logger.Ring,
	log *logger.Logger,
) *AgentHandler {
	return &AgentHandler{
		sync:     sync,
		messages: msgs,
		fanout:   fanout,
		outbox:   ob,
		ring:     ring,
		logger:   log,
	}
}

// Status handles GET /api/v1/status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Status())
}

// Visibility handles POST /api/v1/visibility
func (h *AgentHandler) Visibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.sync.SetVisible(*req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

// Network handles POST /api/v1/network
func (h *AgentHandler) Network(w http.ResponseWriter, r *http.Request) {
	var req NetworkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.sync.SetOnline(*req.Online)
	w.WriteHeader(http.StatusNoContent)
}

// Viewing handles POST /api/v1/viewing
func (h *AgentHandler) Viewing(w http.ResponseWriter, r *http.Request) {
	var req ViewingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.sync.SetViewing(*req.Viewing)
	w.WriteHeader(http.StatusNoContent)
}

// Unload handles POST /api/v1/unload
func (h *AgentHandler) Unload(w http.ResponseWriter, r *http.Request) {
	h.sync.Unload()
	w.WriteHeader(http.StatusAccepted)
}

// Outbox handles GET /api/v1/outbox
func (h *AgentHandler) Outbox(w http.ResponseWriter, r *http.Request) {
	items := []model.OutboxItem{}
	if h.outbox != nil {
		pending, err := h.outbox.Pending()
		if err != nil {
			writeServiceError(w, h.logger, "list outbox", err)
			return
		}
		items = append(items, pending...)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// Flush handles POST /api/v1/outbox/flush
func (h *AgentHandler) Flush(w http.ResponseWriter, r *http.Request) {
	res, err := h.messages.FlushOutbox(r.Context())
	if err != nil {
		// Items that went out before the failure are already confirmed.
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"sent":      len(res.Sent),
			"remaining": res.Remaining,
			"error":     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sent":      len(res.Sent),
		"remaining": res.Remaining,
	})
}

// DiscardQueued handles DELETE /api/v1/outbox/{itemID}
func (h *AgentHandler) DiscardQueued(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "itemID")
	if err := middleware.ValidateItemID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.messages.DiscardQueued(id); err != nil {
		writeServiceError(w, h.logger, "discard outbox item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshUnread handles POST /api/v1/unread/refresh
// The server snapshot replaces local counts.
func (h *AgentHandler) RefreshUnread(w http.ResponseWriter, r *http.Request) {
	if err := h.fanout.Refresh(r.Context()); err != nil {
		writeServiceError(w, h.logger, "refresh unread counts", err)
		return
	}
	counter := h.fanout.Counter()
	writeJSON(w, http.StatusOK, model.UnreadUpdate{
		Total:         counter.Total(),
		Conversations: counter.PerConversation(),
	})
}

// Preferences handles GET /api/v1/preferences
func (h *AgentHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.fanout.Preferences())
}

// UpdatePreferences handles PUT /api/v1/preferences
func (h *AgentHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req model.Preferences
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.fanout.SetPreferences(req); err != nil {
		writeServiceError(w, h.logger, "save preferences", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// DebugLog handles GET /api/v1/debug/log
func (h *AgentHandler) DebugLog(w http.ResponseWriter, r *http.Request) {
	entries := []logger.Entry{}
	if h.ring != nil {
		entries = append(entries, h.ring.Entries()...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
