package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/cryguy/openworker"

type telemetry struct {
	tracer   trace.Tracer
	duration metric.Float64Histogram
}

func newTelemetry() *telemetry {
	t := &telemetry{tracer: otel.Tracer(instrumentation)}
	t.duration, _ = otel.Meter(instrumentation).Float64Histogram(
		"openworker.exec.duration",
		metric.WithDescription("Time from dispatch to handler result"),
		metric.WithUnit("s"),
	)
	return t
}

// start opens a span for one dispatch. The returned func ends it and
// records the duration, marking the span failed when err is set.
func (t *telemetry) start(ctx context.Context, ev *Event) (context.Context, func(err error)) {
	attrs := []attribute.KeyValue{
		attribute.String("openworker.event.id", ev.ID),
		attribute.String("openworker.event.kind", ev.Kind().String()),
	}
	ctx, span := t.tracer.Start(ctx, "worker."+ev.Kind().String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	began := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if t.duration != nil {
			t.duration.Record(ctx, time.Since(began).Seconds(), metric.WithAttributes(
				attribute.String("openworker.event.kind", ev.Kind().String()),
				attribute.String("outcome", outcome),
			))
		}
		span.End()
	}
}
