package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const actorTracerName = "agentrt-actor"

func actorTracer() trace.Tracer {
	return Tracer(actorTracerName)
}

// TraceActorStep creates a span covering one mailbox item's processing
// (lifecycle transition, scheduled fire, connection frame, or HTTP request).
// Caller must call span.End() when the handler returns or cooperatively yields.
func TraceActorStep(ctx context.Context, class, name, kind string) (context.Context, trace.Span) {
	ctx, span := actorTracer().Start(ctx, "actor.step."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent.class", class),
		attribute.String("agent.name", name),
		attribute.String("mailbox.kind", kind),
	)
	return ctx, span
}

// TraceChatTurn creates a span for one serialized chat turn.
func TraceChatTurn(ctx context.Context, class, name, requestID string) (context.Context, trace.Span) {
	ctx, span := actorTracer().Start(ctx, "chat.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent.class", class),
		attribute.String("agent.name", name),
		attribute.String("chat.request_id", requestID),
	)
	return ctx, span
}

// TraceTaskExecution creates a span covering one task's run, ephemeral or durable.
func TraceTaskExecution(ctx context.Context, class, name, taskID, method string, durable bool) (context.Context, trace.Span) {
	ctx, span := actorTracer().Start(ctx, "task.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent.class", class),
		attribute.String("agent.name", name),
		attribute.String("task.id", taskID),
		attribute.String("task.method", method),
		attribute.Bool("task.durable", durable),
	)
	return ctx, span
}

// TraceScheduleFire creates a span for one scheduler wakeup invocation.
func TraceScheduleFire(ctx context.Context, class, name, scheduleID, method, kind string) (context.Context, trace.Span) {
	ctx, span := actorTracer().Start(ctx, "schedule.fire",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent.class", class),
		attribute.String("agent.name", name),
		attribute.String("schedule.id", scheduleID),
		attribute.String("schedule.method", method),
		attribute.String("schedule.kind", kind),
	)
	return ctx, span
}

// RecordError records an error on a span and sets its status, following the
// same pattern as the HTTP/transport span helpers.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
