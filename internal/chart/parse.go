// Package chart turns query results and loose numeric text into declarative
// chart specifications. Nothing here renders.
package chart

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Point is one labelled value. Label is usually a year or category.
type Point struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Series is a parsed two-column dataset.
type Series struct {
	XField string  `json:"x_field"`
	YField string  `json:"y_field"`
	Points []Point `json:"points"`
}

// Numeric reports whether every label parses as a number (years, for
// instance), which makes the x axis quantitative.
func (s Series) Numeric() bool {
	if len(s.Points) == 0 {
		return false
	}
	for _, p := range s.Points {
		if _, err := strconv.ParseFloat(p.Label, 64); err != nil {
			return false
		}
	}
	return true
}

func (s *Series) sortNumeric() {
	if !s.Numeric() {
		return
	}
	sort.SliceStable(s.Points, func(i, j int) bool {
		a, _ := strconv.ParseFloat(s.Points[i].Label, 64)
		b, _ := strconv.ParseFloat(s.Points[j].Label, 64)
		return a < b
	})
}

// Data is the structured input a caller may pass: either columns/rows or
// parallel years/values (labels/values) arrays.
type Data struct {
	Columns []string          `json:"columns,omitempty"`
	Rows    [][]any           `json:"rows,omitempty"`
	Years   []json.RawMessage `json:"years,omitempty"`
	Labels  []json.RawMessage `json:"labels,omitempty"`
	Values  []any             `json:"values,omitempty"`
}

// FromData normalizes structured input. The first column is the label and
// the second the value; rows whose value is not numeric are skipped.
func FromData(d Data) (Series, error) {
	s := Series{XField: "x", YField: "y"}
	switch {
	case len(d.Rows) > 0:
		if len(d.Columns) >= 2 {
			s.XField, s.YField = d.Columns[0], d.Columns[1]
		}
		for _, row := range d.Rows {
			if len(row) < 2 {
				continue
			}
			v, ok := toFloat(row[1])
			if !ok {
				continue
			}
			s.Points = append(s.Points, Point{Label: label(row[0]), Value: v})
		}
	case len(d.Years) > 0 || len(d.Labels) > 0:
		labels := d.Years
		s.XField, s.YField = "year", "value"
		if len(labels) == 0 {
			labels = d.Labels
			s.XField = "label"
		}
		if len(labels) != len(d.Values) {
			return Series{}, fmt.Errorf("%d labels but %d values", len(labels), len(d.Values))
		}
		for i, raw := range labels {
			v, ok := toFloat(d.Values[i])
			if !ok {
				continue
			}
			s.Points = append(s.Points, Point{Label: rawLabel(raw), Value: v})
		}
	default:
		return Series{}, fmt.Errorf("data needs rows or years/values")
	}
	if len(s.Points) == 0 {
		return Series{}, fmt.Errorf("no numeric values in data")
	}
	s.sortNumeric()
	return s, nil
}

var tupleRe = regexp.MustCompile(`\(\s*(\d{4})\s*,\s*([-+]?[0-9]*\.?[0-9]+)\s*\)`)

// ParseTuples extracts "(2017, -0.81), (2018, -0.84)" style pairs.
func ParseTuples(text string) (Series, bool) {
	s := Series{XField: "year", YField: "value"}
	for _, m := range tupleRe.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		s.Points = append(s.Points, Point{Label: m[1], Value: v})
	}
	if len(s.Points) == 0 {
		return Series{}, false
	}
	s.sortNumeric()
	return s, true
}

var csvSplit = regexp.MustCompile(`\s*[,;]\s*`)

// ParseCSV reads a header line plus label,value lines. Lines whose value is
// not numeric are skipped.
func ParseCSV(text string) (Series, bool) {
	var lines []string
	for _, ln := range strings.Split(strings.TrimSpace(text), "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) < 2 {
		return Series{}, false
	}
	header := csvSplit.Split(lines[0], -1)
	s := Series{XField: "x", YField: "y"}
	if len(header) >= 2 {
		s.XField, s.YField = strings.ToLower(header[0]), strings.ToLower(header[1])
	}
	for _, ln := range lines[1:] {
		parts := csvSplit.Split(ln, -1)
		if len(parts) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		s.Points = append(s.Points, Point{Label: parts[0], Value: v})
	}
	if len(s.Points) == 0 {
		return Series{}, false
	}
	s.sortNumeric()
	return s, true
}

var csvBlockRe = regexp.MustCompile(`(?im)^\s*year[,;\s]+\w+`)

// FindCSVBlock looks for an inline "year,<metric>" CSV block in free text.
func FindCSVBlock(text string) (Series, bool) {
	loc := csvBlockRe.FindStringIndex(text)
	if loc == nil {
		return Series{}, false
	}
	return ParseCSV(text[loc[0]:])
}

var (
	mdImageRe   = regexp.MustCompile(`(?s)!\[.*?\]\(\s*data:image/[a-zA-Z0-9]+;base64,[A-Za-z0-9+/=\n\r]+\s*\)`)
	dataURIRe   = regexp.MustCompile(`(?s)data:image/[a-zA-Z0-9]+;base64,[A-Za-z0-9+/=\n\r]+`)
	htmlImageRe = regexp.MustCompile(`(?is)<img[^>]+src=["']\s*data:image/[^"']+["'][^>]*>`)
)

// StripImages replaces embedded base64 images with a placeholder.
func StripImages(text string) string {
	const placeholder = "[image removed]"
	text = mdImageRe.ReplaceAllString(text, placeholder)
	text = htmlImageRe.ReplaceAllString(text, placeholder)
	return dataURIRe.ReplaceAllString(text, placeholder)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func label(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func rawLabel(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
