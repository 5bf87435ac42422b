// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BackendCallDuration tracks calls to the marketplace API.
	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_duration_seconds",
			Help:    "Marketplace API call duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 12},
		},
		[]string{"operation", "outcome"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// TransportState is 1 for the current push transport state.
	TransportState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transport_state",
			Help: "Push transport connection state (1 = current)",
		},
		[]string{"state"},
	)

	// SubscriptionAttempts counts channel subscription attempts.
	SubscriptionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_attempts_total",
			Help: "Channel subscription attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SubscriptionsActive tracks subscribed channels.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Number of channels currently subscribed",
		},
	)

	// InvalidEventsTotal counts dropped push payloads.
	InvalidEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalid_events_total",
			Help: "Push payloads dropped at the transport boundary",
		},
		[]string{"event"},
	)

	// HeartbeatsTotal counts presence heartbeats.
	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_heartbeats_total",
			Help: "Presence heartbeats by outcome",
		},
		[]string{"outcome"},
	)

	// OutboxPending tracks queued outbox items.
	OutboxPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Messages waiting in the offline outbox",
		},
	)

	// OutboxSendsTotal counts outbox sends.
	OutboxSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_sends_total",
			Help: "Outbox send attempts by outcome",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal counts fan-out decisions.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification fan-out outputs and suppressions",
		},
		[]string{"kind"},
	)

	// UnreadDisplayed is the displayed unread total.
	UnreadDisplayed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unread_displayed",
			Help: "Unread counter currently displayed",
		},
	)

	// MessagesSentTotal tracks outgoing messages.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Outgoing messages by outcome",
		},
		[]string{"outcome"},
	)
)

var transportStates = []string{"connected", "connecting", "disconnected"}

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBackendCall records one marketplace API call.
func RecordBackendCall(operation string, err error, duration float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	BackendCallDuration.WithLabelValues(operation, outcome).Observe(duration)
}

// SetTransportState marks state as the current transport state.
func SetTransportState(state string) {
	for _, s := range transportStates {
		v := 0.0
		if s == state {
			v = 1
		}
		TransportState.WithLabelValues(s).Set(v)
	}
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
