package observer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pawelserkowski-lang/hydra"
)

// otelTracer implements hydra.Tracer using OpenTelemetry.
type otelTracer struct {
	inner trace.Tracer
	inst  *Instruments
}

// NewTracer returns a hydra.Tracer backed by the global OTEL TracerProvider.
// Call observer.Init() first to configure the provider; otherwise spans go
// to a no-op backend.
func NewTracer() hydra.Tracer {
	inst, err := newInstruments()
	if err != nil {
		inst = nil
	}
	return &otelTracer{inner: otel.Tracer(scopeName), inst: inst}
}

func (t *otelTracer) Start(ctx context.Context, name string, attrs ...hydra.SpanAttr) (context.Context, hydra.Span) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(otelAttrs...))
	return ctx, &otelSpan{inner: span, inst: t.inst, name: name, start: time.Now()}
}

// otelSpan implements hydra.Span using an OTEL trace.Span. Ending the span
// also bumps the span-level metric instruments.
type otelSpan struct {
	inner  trace.Span
	inst   *Instruments
	name   string
	start  time.Time
	failed bool
}

func (s *otelSpan) SetAttr(attrs ...hydra.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.SetAttributes(otelAttrs...)
}

func (s *otelSpan) Event(name string, attrs ...hydra.SpanAttr) {
	otelAttrs := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		otelAttrs[i] = toOTELAttr(a)
	}
	s.inner.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

func (s *otelSpan) Error(err error) {
	s.failed = true
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *otelSpan) End() {
	s.inner.End()
	if s.inst == nil {
		return
	}
	ctx := context.Background()
	nameAttr := metric.WithAttributes(attribute.String("span.name", s.name))
	s.inst.SpanCount.Add(ctx, 1, nameAttr)
	if s.failed {
		s.inst.SpanErrors.Add(ctx, 1, nameAttr)
	}
	s.inst.SpanDuration.Record(ctx, float64(time.Since(s.start).Milliseconds()), nameAttr)
}

// toOTELAttr converts a hydra.SpanAttr to an OTEL attribute.KeyValue.
func toOTELAttr(a hydra.SpanAttr) attribute.KeyValue {
	switch v := a.Value.(type) {
	case string:
		return attribute.String(a.Key, v)
	case int:
		return attribute.Int(a.Key, v)
	case int64:
		return attribute.Int64(a.Key, v)
	case float64:
		return attribute.Float64(a.Key, v)
	case bool:
		return attribute.Bool(a.Key, v)
	default:
		return attribute.String(a.Key, fmt.Sprintf("%v", v))
	}
}

var (
	_ hydra.Tracer = (*otelTracer)(nil)
	_ hydra.Span   = (*otelSpan)(nil)
)
