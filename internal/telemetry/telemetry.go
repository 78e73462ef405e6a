// Package telemetry wires the OpenTelemetry tracer provider declared in the
// teacher's go.mod (go.opentelemetry.io/otel, .../sdk, .../trace) but never
// exercised by any retrieved teacher source file — its first concrete use in
// this repository. internal/relay wraps the Proxy Protocol and gateway
// reconnects in spans. Trace ids are not attached to wsui events or to log
// lines.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/duskward/seance/internal/relay"

// NewTracerProvider constructs a TracerProvider tagged with serviceName. No
// exporter is attached by default — spans are sampled and recorded in
// memory span context only, which is sufficient for trace-id correlation in
// logs without requiring an operator to stand up a collector. Operators who
// want exported traces register their own SpanProcessor via
// TracerProvider.RegisterSpanProcessor before Init.
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

// Init installs tp as the global tracer provider; Tracer() reads it back.
func Init(tp *sdktrace.TracerProvider) {
	otel.SetTracerProvider(tp)
}

// Shutdown flushes and stops tp.
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	return tp.Shutdown(ctx)
}

// Tracer returns the package-wide tracer used by internal/relay.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named op attributed with the owning system (and
// member, when non-empty).
func StartSpan(ctx context.Context, op, system, member string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("system", system)}
	if member != "" {
		attrs = append(attrs, attribute.String("member", member))
	}
	return Tracer().Start(ctx, op, trace.WithAttributes(attrs...))
}
