// Package metrics exposes the gateway's Prometheus instrumentation: request counts and
// latencies at the HTTP frontend, retry counts at the router, and stream-level counters for the
// SSE pipeline. All metrics live in a dedicated registry so the /metrics endpoint never leaks
// collectors registered elsewhere in the process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway records into.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	streamChunks    prometheus.Counter
	heartbeats      prometheus.Counter
	activeStreams   prometheus.Gauge
	modelsLoaded    prometheus.Gauge
	reloadsTotal    *prometheus.CounterVec
}

// New creates and registers the gateway's metric set in a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conduit",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"path", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "conduit",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				// LLM completion latencies run long; the tail buckets matter more
				// than the sub-100ms ones.
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"path"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conduit",
				Name:      "upstream_retries_total",
				Help:      "Total number of upstream call retries",
			},
			[]string{"model"},
		),
		streamChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "conduit",
				Name:      "stream_chunks_total",
				Help:      "Total number of SSE chunks forwarded to clients",
			},
		),
		heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "conduit",
				Name:      "stream_heartbeats_total",
				Help:      "Total number of SSE heartbeat comments emitted",
			},
		),
		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "conduit",
				Name:      "active_streams",
				Help:      "Number of SSE streams currently open",
			},
		),
		modelsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "conduit",
				Name:      "models_loaded",
				Help:      "Number of model bindings currently loaded",
			},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "conduit",
				Name:      "config_reloads_total",
				Help:      "Total number of config reloads",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.retriesTotal,
		m.streamChunks,
		m.heartbeats,
		m.activeStreams,
		m.modelsLoaded,
		m.reloadsTotal,
	)
	return m
}

// Handler returns the /metrics endpoint handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(path string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}

// ObserveRetry records one retry of an upstream call for the given model id.
func (m *Metrics) ObserveRetry(model string) {
	m.retriesTotal.WithLabelValues(model).Inc()
}

// ObserveChunk records one SSE chunk forwarded downstream.
func (m *Metrics) ObserveChunk() { m.streamChunks.Inc() }

// ObserveHeartbeat records one SSE heartbeat comment.
func (m *Metrics) ObserveHeartbeat() { m.heartbeats.Inc() }

// StreamStarted/StreamEnded bracket an open SSE stream.
func (m *Metrics) StreamStarted() { m.activeStreams.Inc() }

// StreamEnded decrements the open-stream gauge.
func (m *Metrics) StreamEnded() { m.activeStreams.Dec() }

// SetModelsLoaded records the current size of the registry table.
func (m *Metrics) SetModelsLoaded(n int) { m.modelsLoaded.Set(float64(n)) }

// ObserveReload records the outcome of a config reload.
func (m *Metrics) ObserveReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.reloadsTotal.WithLabelValues(result).Inc()
}
