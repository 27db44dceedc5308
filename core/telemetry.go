package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OTelTelemetry implements Telemetry on the OpenTelemetry API. The caller is
// responsible for installing a tracer provider; without one, the global
// no-op provider applies and spans cost nothing.
type OTelTelemetry struct {
	tracer trace.Tracer
	logger Logger
}

// NewOTelTelemetry creates a telemetry bridge for the given service name.
func NewOTelTelemetry(serviceName string, logger Logger) *OTelTelemetry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &OTelTelemetry{
		tracer: otel.Tracer(serviceName),
		logger: logger,
	}
}

// StartSpan starts a named span and threads the trace id into the context
// so responses can surface it as X-Trace-Id.
func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name)
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, &otelSpan{span: span}
}

// RecordMetric logs the metric observation. Metric export is owned by the
// deployment's collector configuration, not by the gateway.
func (t *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	fields := map[string]interface{}{
		"metric": name,
		"value":  value,
	}
	for k, v := range labels {
		fields[k] = v
	}
	t.logger.Debug("Metric recorded", fields)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}
