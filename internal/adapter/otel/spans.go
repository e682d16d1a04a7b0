package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "creditforge"

// StartTaskSpan starts a span for one accounting task.
func StartTaskSpan(ctx context.Context, projectID, correlationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "accounting.task",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("correlation.id", correlationID),
		),
	)
}

// StartFetchSpan starts a span for a measurement fetch.
func StartFetchSpan(ctx context.Context, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "measurement.fetch",
		trace.WithAttributes(attribute.String("project.id", projectID)),
	)
}

// StartNotifySpan starts a span for a notification dispatch.
func StartNotifySpan(ctx context.Context, projectID, level string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "notification.dispatch",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("notification.level", level),
		),
	)
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
