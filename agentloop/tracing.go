package agentloop

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("codeagent.agentloop")

func startTaskSpan(ctx context.Context, input TaskInput) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Session.ExecuteTask",
		trace.WithAttributes(
			attribute.String("task.id", input.ID),
			attribute.String("task.name", input.Name),
		),
	)
}

func startRoundSpan(ctx context.Context, round int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "RoundLoop.Round",
		trace.WithAttributes(attribute.Int("round", round)),
	)
}

func startToolSpan(ctx context.Context, call ToolCallDraft) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Dispatcher.Execute",
		trace.WithAttributes(
			attribute.String("tool.name", call.FunctionName),
			attribute.String("tool.call_id", call.ID),
		),
	)
}

func startPhaseSpan(ctx context.Context, phase *Phase) (context.Context, trace.Span) {
	return tracer.Start(ctx, "PhaseExecutor.ExecutePhase",
		trace.WithAttributes(
			attribute.String("phase.id", phase.ID),
			attribute.String("phase.risk", string(phase.RiskLevel)),
		),
	)
}

// endSpan records the outcome of a task, phase or tool span and ends it.
func endSpan(span trace.Span, success bool, kind ErrorKind, message string) {
	span.SetAttributes(attribute.Bool("success", success))
	if !success {
		span.SetAttributes(attribute.String("error.kind", string(kind)))
		span.SetStatus(codes.Error, message)
	}
	span.End()
}
