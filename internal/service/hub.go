package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

const clientBuffer = 64

// Hub fans UI events out to every connected stream client. A client that
// falls behind loses events rather than blocking the others.
type Hub struct {
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[chan model.UIEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:  log,
		clients: make(map[chan model.UIEvent]struct{}),
	}
}

// Subscribe registers a client. The returned func unregisters it.
func (h *Hub) Subscribe() (<-chan model.UIEvent, func()) {
	ch := make(chan model.UIEvent, clientBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
		})
	}
}

// Emit delivers ev to every client.
func (h *Hub) Emit(ev model.UIEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("stream client lagging, event dropped", zap.String("type", ev.Type))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
