package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/service"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

// DefaultStreamHeartbeat keeps idle SSE connections open through proxies.
const DefaultStreamHeartbeat = 30 * time.Second

// HeartbeatEvent is the keep-alive payload of the stream.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler serves the UI event stream.
type StreamHandler struct {
	hub       *service.Hub
	status    func() service.Status
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler. status, when set,
// provides the snapshot sent as the first event.
func NewStreamHandler(hub *service.Hub, status func() service.Status, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		status:    status,
		logger:    log,
		heartbeat: DefaultStreamHeartbeat,
	}
}

// Stream handles GET /api/v1/stream
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The server write timeout would cut the stream.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if h.status != nil {
		sendSSEEvent(w, flusher, "status", h.status())
	} else {
		flusher.Flush()
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected")
			return

		case ev := <-events:
			if err := sendSSEEvent(w, flusher, ev.Type, ev.Data); err != nil {
				h.logger.Warn("SSE write failed", zap.String("type", ev.Type), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, model.UIHeartbeat, &HeartbeatEvent{
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
