package stats

import (
	"fmt"
	"sort"
	"strings"
)

// Function describes one SQL-callable statistical function.
type Function struct {
	Schema      string `json:"schema"`
	Name        string `json:"name"`
	Args        string `json:"args"`
	Returns     string `json:"returns"`
	Description string `json:"description,omitempty"`
}

// Signature renders `schema.name(args) -> returns`.
func (f Function) Signature() string {
	return fmt.Sprintf("%s(%s) -> %s", f.qualified(), f.Args, f.Returns)
}

// Example renders a call with numbered placeholders, one per argument.
func (f Function) Example() string {
	var args []string
	for _, a := range strings.Split(f.Args, ",") {
		if strings.TrimSpace(a) != "" {
			args = append(args, fmt.Sprint(len(args)+1))
		}
	}
	return fmt.Sprintf("SELECT %s(%s);", f.qualified(), strings.Join(args, ", "))
}

func (f Function) qualified() string {
	if f.Schema == "" {
		return f.Name
	}
	return f.Schema + "." + f.Name
}

// RenderFunctions formats a function listing for the oracle.
func RenderFunctions(fns []Function) string {
	if len(fns) == 0 {
		return "(no stat* functions found)"
	}
	sorted := append([]Function(nil), fns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	b.WriteString("-- FUNCTIONS --\n")
	for _, f := range sorted {
		b.WriteString(f.Signature())
		b.WriteByte('\n')
		if d := strings.TrimSpace(f.Description); d != "" {
			b.WriteString("  description: " + d + "\n")
		}
		b.WriteString("  example: " + f.Example() + "\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Builtins are the functions the SQLite warehouse registers on every
// connection. Array arguments are JSON array text.
func Builtins(schema string) []Function {
	return []Function{
		{
			Schema:      schema,
			Name:        "stat_pearson_correlation",
			Args:        "x text, y text",
			Returns:     "double precision",
			Description: "Pearson correlation of two equal-length JSON numeric arrays; NULL when degenerate.",
		},
		{
			Schema:      schema,
			Name:        "stat_pearson_correlation_with_p",
			Args:        "x text, y text",
			Returns:     "text",
			Description: `Pearson correlation and two-sided p-value as JSON {"correlation": r, "p_value": p, "n": n}.`,
		},
	}
}
