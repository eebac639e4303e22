package redisroute

import (
	"context"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/mna/redisroute"

// telemetry holds the OpenTelemetry instruments of a cluster.
type telemetry struct {
	tracer trace.Tracer

	redirections metric.Int64Counter
	refreshes    metric.Int64Counter
	batchSize    metric.Int64Histogram
}

func newTelemetry(meter metric.Meter, tracer trace.Tracer) (*telemetry, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	redirections, err := meter.Int64Counter("redisroute.redirections",
		metric.WithDescription("Number of commands re-routed, by redirection type."))
	if err != nil {
		return nil, ewrap.Wrap(err, "create redirections counter")
	}
	refreshes, err := meter.Int64Counter("redisroute.refreshes",
		metric.WithDescription("Number of full slot mapping refreshes, by result."))
	if err != nil {
		return nil, ewrap.Wrap(err, "create refreshes counter")
	}
	batchSize, err := meter.Int64Histogram("redisroute.autopipeline.batch.size",
		metric.WithDescription("Number of commands flushed in a single auto-pipelined request."))
	if err != nil {
		return nil, ewrap.Wrap(err, "create batch size histogram")
	}

	return &telemetry{
		tracer:       tracer,
		redirections: redirections,
		refreshes:    refreshes,
		batchSize:    batchSize,
	}, nil
}

// noopTelemetry is used when the configured meter fails to create the
// instruments.
func noopTelemetry(tracer trace.Tracer) *telemetry {
	t, _ := newTelemetry(noop.NewMeterProvider().Meter(instrumentationName), tracer)
	return t
}

func (t *telemetry) redirected(ctx context.Context, kind redirKind) {
	t.redirections.Add(ctx, 1, metric.WithAttributes(attribute.String("type", kind.String())))
}

func (t *telemetry) refreshed(ctx context.Context, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (t *telemetry) flushed(ctx context.Context, n int) {
	t.batchSize.Record(ctx, int64(n))
}

func (t *telemetry) startSpan(ctx context.Context, cmd string, slot int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "redisroute.Do",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", cmd),
			attribute.Int("redis.slot", slot),
		))
}
