package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	reconcileDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Reconciliation metrics
	ReconcileTotal            *prometheus.CounterVec
	ReconcileDuration         *prometheus.HistogramVec
	WorkUnitTransitionsTotal  *prometheus.CounterVec
	GenerationResultsTotal    *prometheus.CounterVec
	ExecutorResourcesCreated  *prometheus.CounterVec
	ManifestsStoredTotal      *prometheus.CounterVec
	ReconcileQueueDepth       prometheus.Gauge

	// Intake metrics
	IntakeMessagesTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbomer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Reconciliation
		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_reconcile_total",
			Help: "Total number of work unit reconciliations.",
		}, []string{"type", "outcome"}),
		ReconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sbomer_reconcile_duration_seconds",
			Help:    "Work unit reconciliation duration in seconds.",
			Buckets: reconcileDurationBuckets,
		}, []string{"type"}),
		WorkUnitTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_work_unit_transitions_total",
			Help: "Total number of work unit status transitions.",
		}, []string{"type", "from", "to"}),
		GenerationResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_generation_results_total",
			Help: "Total number of terminal generation results.",
		}, []string{"type", "result"}),
		ExecutorResourcesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_executor_resources_created_total",
			Help: "Total number of executor resources created.",
		}, []string{"type", "phase"}),
		ManifestsStoredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_manifests_stored_total",
			Help: "Total number of manifests stored.",
		}, []string{"type"}),
		ReconcileQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbomer_reconcile_queue_depth",
			Help: "Number of work units waiting for reconciliation.",
		}),

		// Intake
		IntakeMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbomer_intake_messages_total",
			Help: "Total number of inbound lifecycle messages.",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReconcileTotal,
		m.ReconcileDuration,
		m.WorkUnitTransitionsTotal,
		m.GenerationResultsTotal,
		m.ExecutorResourcesCreated,
		m.ManifestsStoredTotal,
		m.ReconcileQueueDepth,
		m.IntakeMessagesTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordReconcile records one reconciliation and its outcome
// ("noop", "update", "error").
func (m *Metrics) RecordReconcile(genType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(genType, outcome).Inc()
	m.ReconcileDuration.WithLabelValues(genType).Observe(duration.Seconds())
}

// RecordTransition records a work unit status transition.
func (m *Metrics) RecordTransition(genType, from, to string) {
	if m == nil {
		return
	}
	m.WorkUnitTransitionsTotal.WithLabelValues(genType, from, to).Inc()
}

// RecordResult records a terminal generation result.
func (m *Metrics) RecordResult(genType, result string) {
	if m == nil {
		return
	}
	m.GenerationResultsTotal.WithLabelValues(genType, result).Inc()
}

// RecordResourceCreated records an executor resource creation.
func (m *Metrics) RecordResourceCreated(genType, phase string) {
	if m == nil {
		return
	}
	m.ExecutorResourcesCreated.WithLabelValues(genType, phase).Inc()
}

// RecordManifestsStored records stored manifests.
func (m *Metrics) RecordManifestsStored(genType string, count int) {
	if m == nil {
		return
	}
	m.ManifestsStoredTotal.WithLabelValues(genType).Add(float64(count))
}

// SetQueueDepth sets the reconcile queue depth.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.ReconcileQueueDepth.Set(float64(depth))
}

// RecordIntakeMessage records an inbound message and its outcome
// ("created", "promoted", "failed", "already_active", "pending", "duplicate",
// "rejected", "error").
func (m *Metrics) RecordIntakeMessage(kind, outcome string) {
	if m == nil {
		return
	}
	m.IntakeMessagesTotal.WithLabelValues(kind, outcome).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return r.URL.Path
}

// statusRecorder captures the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
