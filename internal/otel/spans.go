package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for coordination-kernel spans.
var (
	AttrAgentID     = attribute.Key("agentcom.agent.id")
	AttrTaskID      = attribute.Key("agentcom.task.id")
	AttrGeneration  = attribute.Key("agentcom.task.generation")
	AttrTaskStatus  = attribute.Key("agentcom.task.status")
	AttrPriority    = attribute.Key("agentcom.task.priority")
	AttrSessionID   = attribute.Key("agentcom.session.id")
	AttrEndpointTier = attribute.Key("agentcom.routing.tier")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (an agent session frame).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound cross-actor call (Scheduler
// calling the Queue, a Session calling the FSM).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
