package chart

import (
	"strconv"
	"strings"
)

// Kind is a chart mark.
type Kind string

const (
	Bar     Kind = "bar"
	Line    Kind = "line"
	Scatter Kind = "scatter"
	Pie     Kind = "pie"
)

const vegaLiteSchema = "https://vega.github.io/schema/vega-lite/v5.json"

// Spec is a Vega-Lite document. Front ends render it; this package only
// builds it.
type Spec struct {
	Schema      string         `json:"$schema"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Mark        map[string]any `json:"mark"`
	Data        map[string]any `json:"data"`
	Encoding    map[string]any `json:"encoding"`
}

// Result is the chart tool payload.
type Result struct {
	Kind        Kind   `json:"kind"`
	Explanation string `json:"explanation"`
	Spec        Spec   `json:"spec"`
	Series      Series `json:"series"`
}

// InferKind picks a mark from the wording of the request, falling back to
// a line for numeric (time-like) x values and bars otherwise.
func InferKind(intent string, s Series) Kind {
	t := strings.ToLower(intent)
	switch {
	case strings.Contains(t, "scatter") || strings.Contains(t, " vs ") || strings.Contains(t, "versus"):
		return Scatter
	case strings.Contains(t, "pie") || strings.Contains(t, "share of") || strings.Contains(t, "proportion"):
		return Pie
	case strings.Contains(t, "bar") || strings.Contains(t, "compare") || strings.Contains(t, "ranking"):
		return Bar
	case strings.Contains(t, "line") || strings.Contains(t, "trend") || strings.Contains(t, "over time"):
		return Line
	}
	if s.Numeric() {
		return Line
	}
	return Bar
}

// Build produces the chart result for intent and s. kind may be empty to
// infer it.
func Build(intent string, kind Kind, s Series) Result {
	if kind == "" {
		kind = InferKind(intent, s)
	}
	title := StripImages(strings.TrimSpace(intent))
	if len(title) > 120 {
		title = title[:117] + "..."
	}

	values := make([]map[string]any, 0, len(s.Points))
	for _, p := range s.Points {
		values = append(values, map[string]any{s.XField: p.Label, s.YField: p.Value})
	}

	xType := "nominal"
	if s.Numeric() {
		xType = "quantitative"
		if strings.Contains(strings.ToLower(s.XField), "year") {
			xType = "ordinal"
		}
	}

	spec := Spec{
		Schema: vegaLiteSchema,
		Title:  title,
		Data:   map[string]any{"values": values},
	}
	switch kind {
	case Pie:
		spec.Mark = map[string]any{"type": "arc"}
		spec.Encoding = map[string]any{
			"theta": map[string]any{"field": s.YField, "type": "quantitative"},
			"color": map[string]any{"field": s.XField, "type": "nominal"},
		}
	case Scatter:
		spec.Mark = map[string]any{"type": "point", "tooltip": true}
		spec.Encoding = map[string]any{
			"x": map[string]any{"field": s.XField, "type": xType},
			"y": map[string]any{"field": s.YField, "type": "quantitative"},
		}
	case Line:
		spec.Mark = map[string]any{"type": "line", "point": true}
		spec.Encoding = map[string]any{
			"x": map[string]any{"field": s.XField, "type": xType},
			"y": map[string]any{"field": s.YField, "type": "quantitative"},
		}
	default:
		kind = Bar
		spec.Mark = map[string]any{"type": "bar"}
		spec.Encoding = map[string]any{
			"x": map[string]any{"field": s.XField, "type": xType, "sort": nil},
			"y": map[string]any{"field": s.YField, "type": "quantitative"},
		}
	}

	return Result{
		Kind:        kind,
		Explanation: explain(kind, s),
		Spec:        spec,
		Series:      s,
	}
}

func explain(kind Kind, s Series) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(string(kind[:1])) + string(kind[1:]) + " chart of " + s.YField + " by " + s.XField)
	if n := len(s.Points); n > 0 {
		lo, hi := s.Points[0], s.Points[0]
		for _, p := range s.Points[1:] {
			if p.Value < lo.Value {
				lo = p
			}
			if p.Value > hi.Value {
				hi = p
			}
		}
		b.WriteString(" across " + strconv.Itoa(n) + " points; lowest at " + lo.Label + ", highest at " + hi.Label + ".")
	}
	return b.String()
}
