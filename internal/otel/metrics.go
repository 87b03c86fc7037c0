package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the analyst's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TurnDuration         metric.Float64Histogram
	OracleDuration       metric.Float64Histogram
	ToolCallDuration     metric.Float64Histogram
	ToolCallErrors       metric.Int64Counter
	ValidationRejections metric.Int64Counter
	LoopIterations       metric.Int64Counter
	ActiveTurns          metric.Int64UpDownCounter
	GeoCategoryFailures  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("analyst.turn.duration",
		metric.WithDescription("Turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleDuration, err = meter.Float64Histogram("analyst.oracle.duration",
		metric.WithDescription("Oracle decision latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("analyst.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("analyst.tool.errors",
		metric.WithDescription("Tool calls that produced a failed observation"),
	)
	if err != nil {
		return nil, err
	}

	m.ValidationRejections, err = meter.Int64Counter("analyst.sql.rejections",
		metric.WithDescription("SQL statements rejected by the validator"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Counter("analyst.loop.iterations",
		metric.WithDescription("Total reasoning loop iterations"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTurns, err = meter.Int64UpDownCounter("analyst.turn.active",
		metric.WithDescription("Number of turns in progress"),
	)
	if err != nil {
		return nil, err
	}

	m.GeoCategoryFailures, err = meter.Int64Counter("analyst.geo.category_failures",
		metric.WithDescription("Neighborhood categories that could not be fetched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) TurnStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(ctx, 1)
}

func (m *Metrics) TurnFinished(ctx context.Context, status string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Add(ctx, -1)
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
	m.LoopIterations.Add(ctx, int64(iterations), attrs)
}

func (m *Metrics) OracleCalled(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.OracleDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ToolCalled records a dispatch. failureKind is empty for successes.
func (m *Metrics) ToolCalled(ctx context.Context, tool string, d time.Duration, failureKind string) {
	if m == nil {
		return
	}
	m.ToolCallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
	if failureKind != "" {
		m.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("kind", failureKind),
		))
	}
}

func (m *Metrics) SQLRejected(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ValidationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) GeoCategoryFailed(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.GeoCategoryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}
