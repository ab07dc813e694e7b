package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for invocation spans
var (
	AttrFunctionName = attribute.Key("quasar.function.name")
	AttrFunctionID   = attribute.Key("quasar.function.id")
	AttrRuntime      = attribute.Key("quasar.runtime")
	AttrVersion      = attribute.Key("quasar.version")
	AttrColdStart    = attribute.Key("quasar.cold_start")
	AttrRequestID    = attribute.Key("quasar.request_id")
	AttrDurationMs   = attribute.Key("quasar.duration_ms")
	AttrInstanceID   = attribute.Key("quasar.instance.id")
	AttrContainerID  = attribute.Key("quasar.container.id")
	AttrOutcome      = attribute.Key("quasar.outcome")
)
