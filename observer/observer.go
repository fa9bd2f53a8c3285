// Package observer provides OTEL-based observability for the engine.
//
// It exports traces via OTLP HTTP and keeps request counters and duration
// histograms on the global meter provider. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/pawelserkowski-lang/hydra/observer"

// Instruments holds the metric instruments bumped by the traced spans.
type Instruments struct {
	SpanCount    metric.Int64Counter
	SpanErrors   metric.Int64Counter
	SpanDuration metric.Float64Histogram
}

// Init sets up the OTEL trace provider with an OTLP HTTP exporter.
// Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("hydra")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// newInstruments builds the span-level instruments on the global meter
// provider. Without a configured metric SDK these are no-ops.
func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)

	spanCount, err := meter.Int64Counter("hydra.spans",
		metric.WithDescription("Completed span count"),
		metric.WithUnit("{span}"))
	if err != nil {
		return nil, err
	}
	spanErrors, err := meter.Int64Counter("hydra.span.errors",
		metric.WithDescription("Spans that recorded an error"),
		metric.WithUnit("{span}"))
	if err != nil {
		return nil, err
	}
	spanDuration, err := meter.Float64Histogram("hydra.span.duration",
		metric.WithDescription("Span duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		SpanCount:    spanCount,
		SpanErrors:   spanErrors,
		SpanDuration: spanDuration,
	}, nil
}
