package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/crmrelay"

// Tracer provides OpenTelemetry tracing for the relay. A nil *Tracer uses the global provider.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// NewTracerFromProvider creates a tracer from tp.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

func (t *Tracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer(tracerName)
	}
	return t.tracer
}

// StartIngestSpan starts a span for one ingestion request.
func (t *Tracer) StartIngestSpan(ctx context.Context, tenantID string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "crmrelay.ingest",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("crmrelay.tenant_id", tenantID)),
	)
}

// StartProcessSpan starts a span for processing one queue message.
func (t *Tracer) StartProcessSpan(ctx context.Context, messageID string, attempt int) (context.Context, trace.Span) {
	return t.get().Start(ctx, "crmrelay.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("crmrelay.message_id", messageID),
			attribute.Int("crmrelay.attempt", attempt),
		),
	)
}

// StartStageSpan starts a child span for a pipeline stage (verify, exchange, invoke).
func (t *Tracer) StartStageSpan(ctx context.Context, stage, tenantID string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "crmrelay."+stage,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("crmrelay.tenant_id", tenantID)),
	)
}

// EndSpan ends span, recording err and its taxonomy kind when non-nil.
func (t *Tracer) EndSpan(span trace.Span, kind string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("crmrelay.failure_kind", kind))
	}
	span.End()
}

// EndProcessSpan ends a process span with the consumer decision and target status.
func (t *Tracer) EndProcessSpan(span trace.Span, decision string, statusCode int, kind string, err error) {
	span.SetAttributes(
		attribute.String("crmrelay.decision", decision),
		attribute.Int("http.status_code", statusCode),
	)
	t.EndSpan(span, kind, err)
}
