package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TurnDuration == nil || m.OracleDuration == nil || m.ToolCallDuration == nil {
		t.Error("histogram instrument is nil")
	}
	if m.ToolCallErrors == nil || m.ValidationRejections == nil || m.LoopIterations == nil || m.GeoCategoryFailures == nil {
		t.Error("counter instrument is nil")
	}
	if m.ActiveTurns == nil {
		t.Error("ActiveTurns is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments still create.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TurnStarted(ctx)
	m.TurnFinished(ctx, "done", 3, time.Second)
	m.OracleCalled(ctx, time.Millisecond, "ok")
	m.ToolCalled(ctx, "sql_db_query", time.Millisecond, "timeout")
	m.SQLRejected(ctx, "unsafe_statement")
	m.GeoCategoryFailed(ctx, "safety")
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, not an int64 sum", name, md.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetrics_Recording(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.TurnStarted(ctx)
	m.ToolCalled(ctx, "sql_db_query", 5*time.Millisecond, "")
	m.ToolCalled(ctx, "sql_db_query", 5*time.Millisecond, "timeout")
	m.SQLRejected(ctx, "unsafe_statement")
	m.SQLRejected(ctx, "result_too_large")
	m.TurnFinished(ctx, "done", 4, 2*time.Second)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := sumOf(t, rm, "analyst.tool.errors"); got != 1 {
		t.Fatalf("tool errors = %d, want 1", got)
	}
	if got := sumOf(t, rm, "analyst.sql.rejections"); got != 2 {
		t.Fatalf("rejections = %d, want 2", got)
	}
	if got := sumOf(t, rm, "analyst.loop.iterations"); got != 4 {
		t.Fatalf("iterations = %d, want 4", got)
	}
	if got := sumOf(t, rm, "analyst.turn.active"); got != 0 {
		t.Fatalf("active turns = %d, want 0", got)
	}
}
