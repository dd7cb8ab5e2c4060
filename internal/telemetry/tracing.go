package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in the trace backend.
const tracerName = "github.com/netzbureau/tariffscout"

// StartJobSpan opens the root span for one crawl job run. The returned
// context carries the span through every store and fetch call of the run.
func StartJobSpan(ctx context.Context, jobID, targetID, dataType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("crawl.job_id", jobID),
			attribute.String("crawl.target_id", targetID),
			attribute.String("crawl.data_type", dataType),
		),
	)
}

// StartStepSpan opens a child span for one pipeline step.
func StartStepSpan(ctx context.Context, step string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline.step."+step,
		trace.WithAttributes(attribute.String("crawl.step", step)),
	)
}

// EndSpan closes a span, recording err as the span outcome when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
