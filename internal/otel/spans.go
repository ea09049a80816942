package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for authcore spans and metrics.
var (
	AttrTaskID     = attribute.Key("authcore.task.id")
	AttrQueue      = attribute.Key("authcore.queue")
	AttrCall       = attribute.Key("authcore.call")
	AttrErrorClass = attribute.Key("authcore.error.class")
	AttrOperation  = attribute.Key("authcore.credential.operation")
	AttrEventType  = attribute.Key("authcore.subscription.event_type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call to the backend.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
