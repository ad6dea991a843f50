package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/sbomer/internal/config"
)

const (
	tracerName      = "github.com/pitabwire/sbomer"
	messagingSystem = "nats"
)

// Span attributes for generation work.
var (
	AttrWorkUnitID     = attribute.Key("sbomer.work_unit_id")
	AttrIdentifier     = attribute.Key("sbomer.identifier")
	AttrGenerationType = attribute.Key("sbomer.generation_type")
	AttrPhase          = attribute.Key("sbomer.phase")
	AttrResult         = attribute.Key("sbomer.result")
	AttrMessageKind    = attribute.Key("sbomer.message_kind")
	AttrMessageID      = attribute.Key("sbomer.message_id")
	AttrManifestCount  = attribute.Key("sbomer.manifest_count")
)

// InitTracing installs the global tracer provider and the W3C trace context
// propagator used over HTTP and NATS headers. With tracing disabled it
// installs nothing and the returned shutdown is a no-op.
//
// Root spans are sampled at cfg.SamplingRate; child spans follow their
// parent's decision.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		err = fmt.Errorf("unsupported exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(serviceName), semconv.ServiceVersion(serviceVersion)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Tracer returns the sbomer tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the active trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// StartPublishSpan starts a producer span for a message sent on subject and
// writes its context into header.
func StartPublishSpan(ctx context.Context, subject string, header nats.Header, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "publish "+subject,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messagingAttrs(subject, attrs)...),
	)
	if header != nil {
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	}
	return ctx, span
}

// StartProcessSpan starts a consumer span for a message delivered on subject.
// The span continues the trace found in header, if there is one.
func StartProcessSpan(ctx context.Context, subject string, header nats.Header, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(header) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
	}
	return Tracer().Start(ctx, "process "+subject,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messagingAttrs(subject, attrs)...),
	)
}

func messagingAttrs(subject string, extra []attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		semconv.MessagingSystemKey.String(messagingSystem),
		semconv.MessagingDestinationName(subject),
	}, extra...)
}

// TracingMiddleware continues the caller's trace for each API request. The
// span is renamed to the matched chi route once the handler returns so that
// ids in the path do not end up in span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method), semconv.URLPath(r.URL.Path)),
		)
		defer span.End()
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		span.SetName(r.Method + " " + routePattern(r))
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
