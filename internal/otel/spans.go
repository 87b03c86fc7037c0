package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for analyst spans.
var (
	AttrTurnID      = attribute.Key("analyst.turn.id")
	AttrIteration   = attribute.Key("analyst.loop.iteration")
	AttrLoopState   = attribute.Key("analyst.loop.state")
	AttrTurnStatus  = attribute.Key("analyst.turn.status")
	AttrToolName    = attribute.Key("analyst.tool.name")
	AttrFailureKind = attribute.Key("analyst.failure.kind")
	AttrSQLApproved = attribute.Key("analyst.sql.approved")
	AttrModel       = attribute.Key("analyst.llm.model")
	AttrProvider    = attribute.Key("analyst.llm.provider")
	AttrGeoCategory = attribute.Key("analyst.geo.category")
	AttrMCPServer   = attribute.Key("analyst.mcp.server")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound HTTP request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, Overpass, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
