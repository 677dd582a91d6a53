// internal/common/observability/observability.go
package observability

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Observability bundles the OTel meter and tracer used by the pipeline.
// A nil *Observability is valid and records nothing.
type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	moveCounter    otelmetric.Int64Counter
	moveDuration   otelmetric.Float64Histogram
	relayBatch     otelmetric.Int64Histogram
}

func New(serviceName string) *Observability {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	o := &Observability{
		tracerProvider: tp,
		tracer:         tp.Tracer(serviceName),
	}

	exporter, err := prometheus.New()
	if err != nil {
		log.Printf("Failed to create Prometheus exporter: %v", err)
		return o
	}

	provider := metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	o.meterProvider = provider

	meter := provider.Meter(serviceName)

	o.moveCounter, _ = meter.Int64Counter(
		"pipeline.moves",
		otelmetric.WithDescription("Number of stage moves processed"),
	)
	o.moveDuration, _ = meter.Float64Histogram(
		"pipeline.move.duration",
		otelmetric.WithDescription("Stage move processing duration"),
		otelmetric.WithUnit("ms"),
	)
	o.relayBatch, _ = meter.Int64Histogram(
		"outbox.batch.size",
		otelmetric.WithDescription("Events published per relay batch"),
	)

	return o
}

// StartSpan starts a span named name. The returned span must be ended by the caller.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if o == nil || o.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordMove(ctx context.Context, duration time.Duration, result string) {
	if o == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("result", result))
	if o.moveCounter != nil {
		o.moveCounter.Add(ctx, 1, attrs)
	}
	if o.moveDuration != nil {
		o.moveDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordRelayBatch(ctx context.Context, published int) {
	if o == nil || o.relayBatch == nil {
		return
	}
	o.relayBatch.Record(ctx, int64(published))
}

func (o *Observability) Shutdown() {
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
}
