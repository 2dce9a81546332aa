package console

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the console API.
type Metrics struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec

	eventsStreamed prometheus.Counter
	streamClients  prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_runs_started_total",
				Help: "Total number of runs started by pipeline",
			},
			[]string{"pipeline"},
		),

		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_runs_finished_total",
				Help: "Total number of runs reaching a terminal state by pipeline and state",
			},
			[]string{"pipeline", "state"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "console_run_duration_seconds",
				Help:    "Run duration from start to terminal state in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"pipeline"},
		),

		eventsStreamed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "console_events_streamed_total",
				Help: "Total number of run events written to SSE clients",
			},
		),

		streamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "console_stream_clients",
				Help: "Number of currently connected SSE clients",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "console_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.eventsStreamed,
		m.streamClients,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RegisterStateGauges wires gauges that sample live state at scrape time.
// Each callback may be nil to skip that gauge.
func (m *Metrics) RegisterStateGauges(activeRuns, pendingApprovals, activeSessions func() int) {
	register := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(fn()) },
		))
	}

	register("console_runs_active", "Number of runs not yet in a terminal state", activeRuns)
	register("console_approvals_pending", "Number of pending input requests across all runs", pendingApprovals)
	register("console_sessions_active", "Number of live console sessions", activeSessions)
}

// RecordRunStarted records a run being started.
func (m *Metrics) RecordRunStarted(pipeline string) {
	m.runsStarted.WithLabelValues(pipeline).Inc()
}

// RecordRunFinished records a run reaching a terminal state.
func (m *Metrics) RecordRunFinished(pipeline, state string, duration time.Duration) {
	m.runsFinished.WithLabelValues(pipeline, state).Inc()
	m.runDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordEventStreamed records one run event written to an SSE client.
func (m *Metrics) RecordEventStreamed() {
	m.eventsStreamed.Inc()
}

// StreamClientConnected records an SSE client attaching to a run feed.
func (m *Metrics) StreamClientConnected() {
	m.streamClients.Inc()
}

// StreamClientDisconnected records an SSE client going away.
func (m *Metrics) StreamClientDisconnected() {
	m.streamClients.Dec()
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for the console registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latencies. Route labels come from
// the ServeMux pattern so cardinality stays bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), time.Since(start))
	})
}

// statusWriter captures the response status code while preserving the
// Flusher behavior SSE streaming depends on.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
