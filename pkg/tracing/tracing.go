// Package tracing wraps the OpenTelemetry SDK behind a selectable-exporter
// TracerProvider, grounded on the example pack's tracing setup but
// restricted to the exporters this module actually depends on: stdout,
// jaeger and zipkin. There is no otlp exporter in go.mod, so "otlp" is not
// a valid Config.Exporter value here.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects and configures a trace exporter for the Dispatcher's two
// spans: dispatch.submit and dispatch.exec.
type Config struct {
	Enabled        bool
	Exporter       string // "stdout", "jaeger", "zipkin"; ignored when !Enabled
	JaegerEndpoint string
	ZipkinEndpoint string
	SampleRate     float64 // 0.0-1.0, default 1.0
	ServiceName    string
	ServiceVersion string
}

// TracerProvider wraps an sdktrace.TracerProvider. The zero-config,
// disabled case returns a noop tracer so call sites never need a nil
// check.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a TracerProvider from cfg.
func New(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer("dispatch")}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dispatcher"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1.0 {
		cfg.SampleRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "jaeger":
		endpoint := cfg.JaegerEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		exporter, err = jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case "zipkin":
		endpoint := cfg.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return nil, fmt.Errorf("tracing: unsupported exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider, tracer: provider.Tracer("dispatch")}, nil
}

// Shutdown flushes and stops the underlying provider. A no-op on the noop
// tracer returned for a disabled Config.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// StartSubmit starts the dispatch.submit span covering queue admission.
// This and StartExec are dispatch.Tracer's two methods — pkg/dispatch
// depends only on that interface, never on this package, so *TracerProvider
// satisfies it structurally rather than by import.
func (tp *TracerProvider) StartSubmit(ctx context.Context, method, taskID string) (context.Context, trace.Span) {
	return tp.tracer.Start(ctx, "dispatch.submit", trace.WithAttributes(
		attribute.String(AttrMethod, method),
		attribute.String(AttrTaskID, taskID),
	))
}

// StartExec starts the dispatch.exec span covering handoff to a worker, as
// a child of the dispatch.submit span carried on ctx. affinity is recorded
// only when the task requested a pinned worker.
func (tp *TracerProvider) StartExec(ctx context.Context, method, workerID string, affinity *int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrMethod, method),
		attribute.String(AttrWorkerID, workerID),
	}
	if affinity != nil {
		attrs = append(attrs, attribute.Int(AttrAffinity, *affinity))
	}
	return tp.tracer.Start(ctx, "dispatch.exec", trace.WithAttributes(attrs...))
}

// Attribute keys used on the Dispatcher's spans.
const (
	AttrMethod   = "dispatch.method"
	AttrWorkerID = "dispatch.worker_id"
	AttrTaskID   = "dispatch.task_id"
	AttrAffinity = "dispatch.affinity"
)
