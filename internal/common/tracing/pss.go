package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const pssTracerName = "taskengine-pss"

func pssTracer() trace.Tracer {
	return Tracer(pssTracerName)
}

// TraceRPC starts a span for one serialized RPC against a project's session
// store executor. Caller must call span.End() when the RPC returns.
func TraceRPC(ctx context.Context, projectID, method string) (context.Context, trace.Span) {
	ctx, span := pssTracer().Start(ctx, "pss."+method,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.String("pss.method", method),
	)
	return ctx, span
}

// TraceRPCResult records the outcome of a PSS RPC on its span.
func TraceRPCResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceBroadcast creates a single span for one fan-out push to viewer
// connections, covering the whole broadcast rather than each socket write.
func TraceBroadcast(ctx context.Context, projectID, eventType string, viewerCount int) {
	_, span := pssTracer().Start(ctx, "pss.broadcast."+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.String("event_type", eventType),
		attribute.Int("viewer_count", viewerCount),
	)
}
