// Package presence keeps the user marked online with a periodic heartbeat.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

// API is the subset of the backend used for presence.
type API interface {
	Heartbeat(ctx context.Context) error
	// MarkOffline must return without waiting for a response.
	MarkOffline()
}

// Options configure the heartbeat.
type Options struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultOptions returns a 30s interval with an 8s request timeout.
func DefaultOptions() Options {
	return Options{Enabled: true, Interval: 30 * time.Second, Timeout: 8 * time.Second}
}

type state int

const (
	stateIdle state = iota
	stateActive
	stateStopped
)

// Heartbeat sends liveness beats. Failures are recorded but never stop
// the interval.
type Heartbeat struct {
	api    API
	clock  clock.Clock
	logger *logger.Logger
	opts   Options

	mu      sync.Mutex
	state   state
	timer   *clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	visible bool
	lastErr error
	record  model.PresenceRecord
}

// New creates an idle heartbeat for userID.
func New(userID string, api API, clk clock.Clock, log *logger.Logger, opts Options) *Heartbeat {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Heartbeat{
		api:     api,
		clock:   clk,
		logger:  log.With(zap.String("component", "presence")),
		opts:    opts,
		visible: true,
		record:  model.PresenceRecord{UserID: userID},
	}
}

// Start beats immediately and then on every interval. It is a no-op when
// disabled or already started.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.opts.Enabled {
		h.logger.Info("heartbeat disabled")
		return
	}

	h.mu.Lock()
	if h.state != stateIdle {
		h.mu.Unlock()
		return
	}
	h.state = stateActive
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	h.clock.AfterFunc(0, h.tick)
}

// SetVisible records page visibility. Becoming visible sends an
// out-of-band beat without resetting the interval.
func (h *Heartbeat) SetVisible(visible bool) {
	h.mu.Lock()
	wasVisible := h.visible
	h.visible = visible
	active := h.state == stateActive
	h.mu.Unlock()

	if visible && !wasVisible && active {
		h.clock.AfterFunc(0, h.beat)
	}
}

// Unload fires the offline beacon and stops the interval.
func (h *Heartbeat) Unload() {
	h.Stop()
	h.api.MarkOffline()

	h.mu.Lock()
	h.record.IsOnline = false
	h.mu.Unlock()
	metrics.HeartbeatsTotal.WithLabelValues("offline").Inc()
}

// Stop cancels the interval and any in-flight beat.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == stateStopped {
		return
	}
	h.state = stateStopped
	h.timer.Stop()
	h.timer = nil
	if h.cancel != nil {
		h.cancel()
	}
}

// Record returns the current presence view.
func (h *Heartbeat) Record() model.PresenceRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

// LastError returns the error of the most recent beat, if it failed.
func (h *Heartbeat) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func (h *Heartbeat) tick() {
	h.beat()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateActive {
		return
	}
	h.timer = h.clock.AfterFunc(h.opts.Interval, h.tick)
}

func (h *Heartbeat) beat() {
	h.mu.Lock()
	if h.state != stateActive {
		h.mu.Unlock()
		return
	}
	parent := h.ctx
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, h.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := h.api.Heartbeat(ctx)
	metrics.RecordBackendCall("heartbeat", err, time.Since(start).Seconds())

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastErr = err
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		h.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	h.lastErr = nil
	h.record.IsOnline = true
	h.record.LastSeenAt = h.clock.Now()
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
}
