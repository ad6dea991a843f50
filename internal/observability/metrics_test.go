package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond)
	m.RecordReconcile("BUILD", "update", time.Millisecond)
	m.RecordTransition("BUILD", "READY", "RUNNING")
	m.RecordResult("BUILD", "SUCCESS")
	m.RecordResourceCreated("BUILD", "INIT")
	m.RecordManifestsStored("BUILD", 2)
	m.SetQueueDepth(3)
	m.RecordIntakeMessage("BuildStateChange", "created")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"sbomer_http_requests_total",
		"sbomer_http_request_duration_seconds",
		"sbomer_reconcile_total",
		"sbomer_reconcile_duration_seconds",
		"sbomer_work_unit_transitions_total",
		"sbomer_generation_results_total",
		"sbomer_executor_resources_created_total",
		"sbomer_manifests_stored_total",
		"sbomer_reconcile_queue_depth",
		"sbomer_intake_messages_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordResultAndTransition(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordResult("OPERATION", "ERR_GENERATION")
	m.RecordResult("OPERATION", "ERR_GENERATION")
	m.RecordTransition("OPERATION", "PLACEHOLDER", "FAILED")

	if val := testutil.ToFloat64(m.GenerationResultsTotal.WithLabelValues("OPERATION", "ERR_GENERATION")); val != 2 {
		t.Errorf("results = %v, want 2", val)
	}
	if val := testutil.ToFloat64(m.WorkUnitTransitionsTotal.WithLabelValues("OPERATION", "PLACEHOLDER", "FAILED")); val != 1 {
		t.Errorf("transitions = %v, want 1", val)
	}
}

func TestRecordManifestsStored_addsCount(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordManifestsStored("BUILD", 3)
	m.RecordManifestsStored("BUILD", 2)

	if val := testutil.ToFloat64(m.ManifestsStoredTotal.WithLabelValues("BUILD")); val != 5 {
		t.Errorf("manifests = %v, want 5", val)
	}
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	// None of these may panic.
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	m.RecordReconcile("BUILD", "noop", time.Millisecond)
	m.RecordTransition("BUILD", "READY", "RUNNING")
	m.RecordResult("BUILD", "SUCCESS")
	m.RecordResourceCreated("BUILD", "INIT")
	m.RecordManifestsStored("BUILD", 1)
	m.SetQueueDepth(1)
	m.RecordIntakeMessage("x", "y")
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/v1/generations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/generations/AX5TJMYHQAIAE", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/generations/{id}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/v1/generations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generations", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/generations", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesRegistry(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordResult("BUILD", "SUCCESS")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sbomer_generation_results_total") {
		t.Error("metrics response should contain sbomer_generation_results_total")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":      httpDurationBuckets,
		"reconcile": reconcileDurationBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
