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

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SendDuration tracks the backend round-trip of a chat send.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_send_duration_seconds",
			Help:    "Chat send round-trip duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	// SendsTotal tracks send attempts by outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sends_total",
			Help: "Total chat sends by outcome",
		},
		[]string{"status"},
	)

	// DeliveriesTotal tracks messages pushed by the live feed.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_deliveries_total",
			Help: "Messages delivered by the live feed",
		},
		[]string{"result"},
	)

	// FeedErrorsTotal tracks live feed failures.
	FeedErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_feed_errors_total",
			Help: "Live feed subscription errors",
		},
	)

	// FeedsActive tracks open live feeds.
	FeedsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_feeds_active",
			Help: "Number of open live feeds",
		},
	)

	// ClassificationsTotal tracks classification outcomes.
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_classifications_total",
			Help: "Message classifications by type and status",
		},
		[]string{"type", "status"},
	)

	// RewardsTotal tracks XP awarded.
	RewardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_reward_xp_total",
			Help: "XP awarded for chat activity",
		},
		[]string{"reason"},
	)

	// SessionsActive tracks open conversation sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of open conversation sessions",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records metrics for a chat send.
func RecordSend(status string, duration float64) {
	SendDuration.WithLabelValues(status).Observe(duration)
	SendsTotal.WithLabelValues(status).Inc()
}

// RecordDelivery records one live feed delivery.
func RecordDelivery(result string) {
	DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordClassification records one classification attempt.
func RecordClassification(messageType, status string) {
	ClassificationsTotal.WithLabelValues(messageType, status).Inc()
}

// RecordReward records XP awarded.
func RecordReward(reason string, amount int) {
	RewardsTotal.WithLabelValues(reason).Add(float64(amount))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
