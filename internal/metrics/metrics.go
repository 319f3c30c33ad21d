// Package metrics provides Prometheus instrumentation for adjutant.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adjutant_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adjutant_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Session metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adjutant_active_sessions",
		Help: "Number of registered agent sessions.",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adjutant_sessions_created_total",
		Help: "Total number of sessions created.",
	})
)

// Event-bus and bridge metrics.
var (
	BusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adjutant_bus_events_total",
		Help: "Total number of events emitted on the bus.",
	}, []string{"kind"})

	OutputBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adjutant_output_batches_total",
		Help: "Total number of flushed terminal output batches.",
	})

	OutputLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adjutant_output_lines_total",
		Help: "Total number of terminal output lines processed.",
	})
)

// Realtime client metrics.
var (
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adjutant_ws_connections_active",
		Help: "Number of active chat WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adjutant_ws_messages_total",
		Help: "Total number of WebSocket frames sent.",
	})

	SSEClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adjutant_sse_clients_active",
		Help: "Number of connected SSE clients.",
	})

	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adjutant_connected_agents",
		Help: "Number of agents connected to the tool gateway.",
	})
)

// External command metrics.
var (
	BdInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adjutant_bd_invocations_total",
		Help: "Total number of bd CLI invocations by outcome.",
	}, []string{"outcome"})

	BdInvocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adjutant_bd_invocation_duration_seconds",
		Help:    "bd CLI invocation duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)
