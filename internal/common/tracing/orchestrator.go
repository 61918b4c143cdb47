package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const orchestratorTracerName = "taskengine-orchestrator"

func orchestratorTracer() trace.Tracer {
	return Tracer(orchestratorTracerName)
}

// TraceStep starts a span covering one execution of a single step machine
// transition. The caller must call span.End() when the step handler
// returns, and should call TraceStepResult first to record the outcome.
func TraceStep(ctx context.Context, taskID, step string, attempt int) (context.Context, trace.Span) {
	ctx, span := orchestratorTracer().Start(ctx, "step."+step,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("step", step),
		attribute.Int("attempt", attempt),
	)
	return ctx, span
}

// TraceStepResult records the outcome of a step execution on its span.
func TraceStepResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceRetry records a transient-error retry decision as a span event on
// the parent step span, rather than opening a fresh span per attempt.
func TraceRetry(span trace.Span, attempt int, backoff string, err error) {
	span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("backoff", backoff),
		attribute.String("error", err.Error()),
	))
}

// TraceTaskFailed records a task's terminal failure as its own short
// "task.failed" span, a child of whatever span ctx carries.
func TraceTaskFailed(ctx context.Context, taskID, step, reason string, permanent bool) {
	_, span := orchestratorTracer().Start(ctx, "task.failed",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("task_id", taskID),
		attribute.String("step", step),
		attribute.String("reason", reason),
		attribute.Bool("permanent", permanent),
	)
	span.SetStatus(codes.Error, reason)
}
