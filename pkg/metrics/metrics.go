package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global collectors. promauto registers them on the default registry, which is
// what the reference server exposes on /metrics.

var (
	// RequestsTotal counts client submissions by op and outcome
	// ("ok", "server_error", "timeout", "canceled", "connection_closed", "error").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwire_client_requests_total",
			Help: "Total number of traversal requests submitted by the client",
		},
		[]string{"op", "outcome"},
	)

	// RequestDuration measures submit-to-terminal-frame latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphwire_client_request_duration_seconds",
			Help:    "Duration of traversal requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)

	// PendingRequests tracks requests waiting for a terminal frame.
	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "graphwire_client_pending_requests",
			Help: "Number of requests waiting for a terminal response",
		},
	)

	// Reconnects counts connection state transitions back to open after a loss.
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graphwire_client_reconnects_total",
			Help: "Total number of successful reconnects",
		},
	)

	// ServerEvaluations counts traversals evaluated by the reference server,
	// labeled by response status code.
	ServerEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphwire_server_evaluations_total",
			Help: "Total number of traversals evaluated by the server",
		},
		[]string{"status"},
	)

	// ServerFramesSent counts response frames written by the reference server.
	ServerFramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "graphwire_server_frames_sent_total",
			Help: "Total number of response frames written",
		},
	)
)
