package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"leadline/internal/jobs"
)

const instrumentationName = "leadline/internal/jobs"

// Tracing uses the global TracerProvider, a no-op unless one is installed.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *jobs.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "leadline.job.execute",
			trace.WithAttributes(
				attribute.String("leadline.job.id", j.ID),
				attribute.String("leadline.job.name", j.Name),
				attribute.String("leadline.queue", j.Queue),
				attribute.Int("leadline.attempt", j.Attempt),
				attribute.String("leadline.task.id", j.TaskID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
