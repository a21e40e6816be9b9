// Package metrics provides Prometheus instrumentation for the HAPI hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hapi_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Runner RPC metrics.
var (
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_rpc_calls_total",
		Help: "Total number of RPC calls dispatched to runner sockets.",
	}, []string{"outcome"})

	RPCCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hapi_rpc_call_duration_seconds",
		Help:    "Runner RPC round-trip duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

// Business metrics.
var (
	ActiveRunnerSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_active_runner_sockets",
		Help: "Number of currently connected runner sockets.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_active_sessions",
		Help: "Number of sessions currently considered alive.",
	})

	RegisteredRPCMethods = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_registered_rpc_methods",
		Help: "Number of RPC methods currently owned by a socket.",
	})
)

// Event stream metrics.
var (
	SSEConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_sse_connections_active",
		Help: "Number of active SSE subscriber connections.",
	})

	SSEEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hapi_sse_events_total",
		Help: "Total number of events written to SSE subscribers.",
	})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hapi_sse_events_dropped_total",
		Help: "Events dropped or coalesced due to subscriber back-pressure.",
	})
)

// Bead poll metrics.
var (
	BeadPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hapi_bead_polls_total",
		Help: "Total number of bead poll RPCs by outcome.",
	}, []string{"outcome"})

	BeadBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hapi_bead_breaker_open",
		Help: "Number of bead poll groups with an open circuit breaker.",
	})
)
