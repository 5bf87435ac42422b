package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/capitalize-ai/marketplace-sync/internal/events"
	"github.com/capitalize-ai/marketplace-sync/internal/model"
	"github.com/capitalize-ai/marketplace-sync/internal/subscription"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
	"github.com/capitalize-ai/marketplace-sync/pkg/metrics"
)

// RouteFunc receives a decoded event together with its channel.
type RouteFunc func(channel string, ev model.Event)

// Dispatcher serialises inbound push events. Transport handlers only
// enqueue envelopes; a single goroutine decodes and routes them in
// arrival order.
type Dispatcher struct {
	in     chan model.Envelope
	done   chan struct{}
	route  RouteFunc
	logger *logger.Logger
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(buffer int, route RouteFunc, log *logger.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Dispatcher{
		in:     make(chan model.Envelope, buffer),
		done:   make(chan struct{}),
		route:  route,
		logger: log.With(zap.String("component", "dispatcher")),
	}
}

// SetRoute replaces the route function. Call before Run.
func (d *Dispatcher) SetRoute(route RouteFunc) {
	d.route = route
}

// Handlers returns subscription handlers for channel that enqueue every
// named event.
func (d *Dispatcher) Handlers(channel string, names ...model.EventName) subscription.Handlers {
	hs := make(subscription.Handlers, len(names))
	for _, name := range names {
		hs[name] = func(data json.RawMessage) {
			d.Enqueue(model.Envelope{Channel: channel, Event: name, Data: data})
		}
	}
	return hs
}

// Enqueue queues an envelope. It blocks while the queue is full and
// drops the envelope once the dispatcher has stopped.
func (d *Dispatcher) Enqueue(env model.Envelope) {
	select {
	case d.in <- env:
	case <-d.done:
	}
}

// Run processes envelopes until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.in:
			d.process(env)
		}
	}
}

// Drain processes everything currently queued and returns.
func (d *Dispatcher) Drain() {
	for {
		select {
		case env := <-d.in:
			d.process(env)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(env model.Envelope) {
	ev, err := events.DecodeEnvelope(env)
	if err != nil {
		metrics.InvalidEventsTotal.WithLabelValues(string(env.Event)).Inc()
		d.logger.Warn("dropping invalid event",
			zap.String("channel", env.Channel),
			zap.String("event", string(env.Event)),
			zap.Error(err),
		)
		return
	}
	if d.route != nil {
		d.route(env.Channel, ev)
	}
}
