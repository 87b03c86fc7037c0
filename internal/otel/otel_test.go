package otel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
}

func TestInit_DisabledShutdown(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false, Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
	if p.Tracer == nil {
		t.Fatal("expected non-nil Tracer")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil Meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "magic-pixie-dust",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_BridgesMetricsToPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Registerer: reg})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.SQLRejected(context.Background(), "UNSAFE_STATEMENT")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "analyst_sql_rejections") {
			return
		}
	}
	t.Fatalf("rejection counter not exported; got %d families", len(families))
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "analyst.turn",
		AttrTurnID.String("turn-1"),
		AttrIteration.Int(2),
	)
	span.End()

	_, span2 := StartServerSpan(context.Background(), p.Tracer, "http.ask")
	span2.End()

	_, span3 := StartClientSpan(context.Background(), p.Tracer, "oracle.decide",
		AttrModel.String("gemini-2.5-pro"),
	)
	span3.End()
}

func TestEndSpan_RecordsError(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, ok := StartSpan(context.Background(), tracer, "tool.call", AttrToolName.String("sql_db_query"))
	EndSpan(ok, nil)
	_, bad := StartClientSpan(context.Background(), tracer, "oracle.decide")
	EndSpan(bad, errors.New("429 too many requests"))

	ended := sr.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if ended[0].Status().Code == codes.Error {
		t.Fatalf("successful span marked as error")
	}
	if ended[1].Status().Code != codes.Error || len(ended[1].Events()) == 0 {
		t.Fatalf("failed span should carry error status and event: %+v", ended[1].Status())
	}
}
