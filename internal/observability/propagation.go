package observability

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceContext carries W3C trace context across process boundaries.
// The dispatcher serializes it into the work item so the runtime API can
// hand the traceparent to the function via the next-invocation response.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// ExtractTraceContext pulls the current span context into a portable form
func ExtractTraceContext(ctx context.Context) TraceContext {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return TraceContext{}
	}

	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}

	return TraceContext{
		TraceParent: "00-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-" + flags,
		TraceState:  sc.TraceState().String(),
	}
}

// GetTraceID returns the trace ID from context, or empty string
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// GetSpanID returns the span ID from context, or empty string
func GetSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}

// propagationHeaderCarrier adapts http.Header to the TextMapCarrier interface
type propagationHeaderCarrier http.Header

func (c propagationHeaderCarrier) Get(key string) string {
	return http.Header(c).Get(key)
}

func (c propagationHeaderCarrier) Set(key, value string) {
	http.Header(c).Set(key, value)
}

func (c propagationHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
