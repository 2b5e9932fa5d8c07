// Package tracer is a thin best-effort span emitter wrapped around each
// provider call.
package tracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an otel.Tracer; when tracing is disabled a no-op provider is
// installed so every call here is genuinely free and never blocks or
// panics.
type Tracer struct {
	tracer trace.Tracer
}

func New(enabled bool, serviceName string) *Tracer {
	if !enabled {
		return &Tracer{tracer: nooptrace.NewTracerProvider().Tracer(serviceName)}
	}
	return &Tracer{tracer: otel.Tracer(serviceName)}
}

// Span wraps an otel span with the narrow surface the wrapper needs.
type Span struct {
	span trace.Span
}

// Open starts a span named after the call site (e.g. "llm.call"),
// returning the context carrying it and the Span handle.
func (t *Tracer) Open(ctx context.Context, name string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &Span{span: span}
}

// SetAttributes sets identifying attributes: provider, model, tenant_id,
// session_id, run_id, step_id, tokens.*, cost.usd, cache.hit, retries,
// status, error_code.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attrs...)
}

// Close ends the span, recording err as the span's status if non-nil.
func (s *Span) Close(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}
