// Package tracing provides trace/span id extraction for log and incident
// correlation (C9/C11), plus helpers to build a TracerProvider and start
// spans (C10). No package in this module starts spans with them: ingress
// batches and rebalance decisions run without a span. Grounded on the teacher's
// context-carried-span correlation pattern, backed by the real
// go.opentelemetry.io/otel SDK instead of the teacher's in-process stub.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ExtractIDs returns the active trace/span ids from ctx, empty if no span
// is recording (spec §4.10 — "enriched with trace_id/span_id ... when an
// OpenTelemetry span is active").
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// NewTracerProvider constructs an in-process SDK TracerProvider (no exporter
// wired by default — a no-op span processor keeps overhead flat while still
// producing valid trace/span ids for correlation).
func NewTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider()
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a span named name under tracer, returning the derived
// context and the span (callers must End it).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
