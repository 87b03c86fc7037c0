package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/basket/sdoh-analyst/internal/engine"
	"github.com/basket/sdoh-analyst/internal/tools"
)

type turnMetrics struct {
	turns      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	toolCalls  *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

func newTurnMetrics(reg prometheus.Registerer) (m *turnMetrics, err error) {
	// promauto panics on duplicate registration; report it as an error.
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	f := promauto.With(reg)
	return &turnMetrics{
		turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analyst",
			Name:      "turns_total",
			Help:      "Turns served over HTTP by status and failure kind",
		}, []string{"status", "failure_kind"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "analyst",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analyst",
			Name:      "tool_calls_total",
			Help:      "Tool steps recorded in transcripts by tool and outcome",
		}, []string{"tool", "outcome"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "analyst",
			Name:      "sql_rejections_total",
			Help:      "SQL statements rejected by the validator by failure kind",
		}, []string{"kind"}),
	}, nil
}

func (m *turnMetrics) observe(res *engine.TurnResult) {
	m.turns.WithLabelValues(res.Status, res.FailureKind()).Inc()
	m.duration.WithLabelValues(res.Status).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	for _, e := range res.Transcript {
		if e.Action == nil {
			continue
		}
		outcome := "ok"
		if f := e.Observation.Failure; f != nil {
			outcome = string(f.Kind)
			switch f.Kind {
			case tools.KindUnsafeStatement, tools.KindUnknownSchemaObject, tools.KindResultTooLarge:
				m.rejections.WithLabelValues(string(f.Kind)).Inc()
			}
		}
		m.toolCalls.WithLabelValues(e.Action.Name, outcome).Inc()
	}
}
