package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/sbomer/internal/config"
)

// setupTestTracer creates an in-memory span exporter and configures a
// TracerProvider that always samples.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func spanAttrMap(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}

func TestInitTracing_disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "sbomer", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_stdout(t *testing.T) {
	cfg := config.TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1.0,
	}
	shutdown, err := InitTracing(context.Background(), cfg, "sbomer", "1.0.0")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInitTracing_unsupportedExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, Exporter: "zipkin"}
	if _, err := InitTracing(context.Background(), cfg, "sbomer", "1.0.0"); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}
}

func TestStartSpan_createsSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "reconcile.BUILD",
		AttrWorkUnitID.String("AX5TJMYHQAIAE"),
		AttrPhase.String("INIT"),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "reconcile.BUILD" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "reconcile.BUILD")
	}

	attrs := spanAttrMap(spans[0])
	if v := attrs["sbomer.work_unit_id"]; v != "AX5TJMYHQAIAE" {
		t.Errorf("sbomer.work_unit_id = %q, want AX5TJMYHQAIAE", v)
	}
	if v := attrs["sbomer.phase"]; v != "INIT" {
		t.Errorf("sbomer.phase = %q, want INIT", v)
	}
	if trace.SpanFromContext(ctx) != span {
		t.Error("context should carry the created span")
	}
}

func TestEndSpan_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "harvest")
	EndSpan(span, errors.New("store down"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", spans[0].Status.Code)
	}
	if spans[0].Status.Description != "store down" {
		t.Errorf("status description = %q, want %q", spans[0].Status.Description, "store down")
	}
}

func TestEndSpan_nilError(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "ok.op")
	EndSpan(span, nil)

	if spans := exporter.GetSpans(); len(spans) != 1 || spans[0].Status.Code == codes.Error {
		t.Errorf("spans = %+v, want one non-error span", spans)
	}
}

func TestTraceIDFromContext(t *testing.T) {
	setupTestTracer(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("TraceIDFromContext without span = %q, want empty", got)
	}

	ctx, span := StartSpan(context.Background(), "trace.id.test")
	defer span.End()
	if got, want := TraceIDFromContext(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("TraceIDFromContext = %q, want %q", got, want)
	}
}

func TestMessageSpans_carryTraceAcrossNATS(t *testing.T) {
	exporter := setupTestTracer(t)

	header := nats.Header{}
	_, pub := StartPublishSpan(context.Background(), "sbomer.generation.finished", header,
		AttrWorkUnitID.String("AX5TJMYHQAIAE"))
	pub.End()
	if header.Get("Traceparent") == "" {
		t.Fatal("publish span should write Traceparent into the message header")
	}

	_, proc := StartProcessSpan(context.Background(), "sbomer.generation.finished", header)
	proc.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	published, processed := spans[0], spans[1]
	if published.SpanKind != trace.SpanKindProducer || processed.SpanKind != trace.SpanKindConsumer {
		t.Errorf("span kinds = %v, %v", published.SpanKind, processed.SpanKind)
	}
	if processed.Parent.SpanID() != published.SpanContext.SpanID() {
		t.Error("process span should be a child of the publish span")
	}
	if processed.Name != "process sbomer.generation.finished" {
		t.Errorf("span name = %q", processed.Name)
	}
	attrs := spanAttrMap(published)
	if attrs["messaging.system"] != "nats" || attrs["messaging.destination.name"] != "sbomer.generation.finished" {
		t.Errorf("messaging attributes = %v", attrs)
	}
	if attrs["sbomer.work_unit_id"] != "AX5TJMYHQAIAE" {
		t.Errorf("sbomer.work_unit_id = %q", attrs["sbomer.work_unit_id"])
	}
}

func TestStartProcessSpan_withoutHeadersStartsRoot(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartProcessSpan(context.Background(), "pnc.events", nil)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Parent.IsValid() {
		t.Errorf("spans = %+v, want one root span", spans)
	}
}

func TestStartPublishSpan_nilHeader(t *testing.T) {
	setupTestTracer(t)

	_, span := StartPublishSpan(context.Background(), "sbomer.generation.finished", nil)
	span.End()
}

func TestTracingMiddleware_createsRootSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generations", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /api/v1/generations" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want Server", s.SpanKind)
	}
	if v := spanAttrMap(s)["http.response.status_code"]; v != fmt.Sprint(http.StatusCreated) {
		t.Errorf("http.response.status_code = %q, want 201", v)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response should have Traceparent header")
	}
}

func TestTracingMiddleware_500_setsErrorStatus(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/generations/x", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Errorf("spans = %+v, want one error span", spans)
	}
}

func TestTracingMiddleware_extractsTraceparent(t *testing.T) {
	exporter := setupTestTracer(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	traceID := "0af7651916cd43dd8448eb211c80319c"
	parentSpanID := "b7ad6b7169203331"
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+parentSpanID+"-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != traceID {
		t.Errorf("trace ID = %q, want %q", got, traceID)
	}
	if got := spans[0].Parent.SpanID().String(); got != parentSpanID {
		t.Errorf("parent span ID = %q, want %q", got, parentSpanID)
	}
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := setupTestTracer(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Get("/api/v1/generations/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/generations/AX5TJMYHQAIAE", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "GET /api/v1/generations/{id}" {
		t.Errorf("span name = %q, want the route pattern", spans[0].Name)
	}
}

func TestInitTracing_samplingRate(t *testing.T) {
	tests := []struct {
		rate    float64
		sampled bool
	}{
		{0, false},
		{1, true},
	}
	for _, tt := range tests {
		cfg := config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: tt.rate}
		shutdown, err := InitTracing(context.Background(), cfg, "sbomer", "1.0.0")
		if err != nil {
			t.Fatalf("InitTracing() error = %v", err)
		}
		_, span := StartSpan(context.Background(), "reconcile.BUILD")
		if got := span.SpanContext().IsSampled(); got != tt.sampled {
			t.Errorf("rate %v: sampled = %v, want %v", tt.rate, got, tt.sampled)
		}
		span.End()
		_ = shutdown(context.Background())
	}
}
