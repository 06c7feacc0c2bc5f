package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for engine access and tracing.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MetadataCalls    *prometheus.CounterVec
	MetadataLockWait prometheus.Histogram
	MetadataDuration *prometheus.HistogramVec

	RPCCalls         *prometheus.CounterVec
	RPCDisconnects   prometheus.Counter
	TraceNotify      *prometheus.CounterVec
	TraceSessions    prometheus.Gauge
	HubConnections   prometheus.Gauge
	HubEventsDropped prometheus.Counter
}

// New creates collectors registered on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MetadataCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxw_metadata_calls_total",
				Help: "Metadata (schema rowset) calls by schema and result",
			},
			[]string{"schema", "result"},
		),
		MetadataLockWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dxw_metadata_lock_wait_seconds",
				Help:    "Time spent waiting for the shared connection metadata lock",
				Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10},
			},
		),
		MetadataDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dxw_metadata_duration_seconds",
				Help:    "Duration of schema rowset retrieval",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"schema"},
		),
		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxw_rpc_calls_total",
				Help: "RPC invocations by method and result",
			},
			[]string{"method", "result"},
		),
		RPCDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dxw_rpc_disconnects_total",
				Help: "RPC channel disconnects",
			},
		),
		TraceNotify: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dxw_trace_notifications_total",
				Help: "Trace notifications delivered by kind",
			},
			[]string{"kind"},
		),
		TraceSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dxw_trace_sessions_active",
				Help: "Trace sessions currently hosted",
			},
		),
		HubConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dxw_hub_connections",
				Help: "Open trace hub websocket connections",
			},
		),
		HubEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dxw_hub_events_filtered_total",
				Help: "Source events not forwarded because of the capture set or session filter",
			},
		),
	}

	m.registry.MustRegister(
		m.MetadataCalls,
		m.MetadataLockWait,
		m.MetadataDuration,
		m.RPCCalls,
		m.RPCDisconnects,
		m.TraceNotify,
		m.TraceSessions,
		m.HubConnections,
		m.HubEventsDropped,
	)
	return m
}

// Registry exposes the underlying registry (for tests and custom handlers)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMetadata records one metadata call
func (m *Metrics) ObserveMetadata(schema string, wait, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.MetadataLockWait.Observe(wait.Seconds())
	m.MetadataCalls.WithLabelValues(schema, result(err)).Inc()
	if took > 0 {
		m.MetadataDuration.WithLabelValues(schema).Observe(took.Seconds())
	}
}

// ObserveRPC records one invocation
func (m *Metrics) ObserveRPC(method string, err error) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(method, result(err)).Inc()
}

// Disconnected records a channel loss
func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.RPCDisconnects.Inc()
}

// Notified records a delivered trace notification
func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.TraceNotify.WithLabelValues(kind).Inc()
}

// SessionOpened / SessionClosed track hosted trace sessions
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.TraceSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.TraceSessions.Dec()
}

// HubConnected / HubDisconnected track hub websocket clients
func (m *Metrics) HubConnected() {
	if m == nil {
		return
	}
	m.HubConnections.Inc()
}

func (m *Metrics) HubDisconnected() {
	if m == nil {
		return
	}
	m.HubConnections.Dec()
}

// Filtered records a source event that was not forwarded
func (m *Metrics) Filtered() {
	if m == nil {
		return
	}
	m.HubEventsDropped.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
