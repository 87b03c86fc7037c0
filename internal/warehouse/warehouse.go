// Package warehouse is the read-only gateway to the analytics dataset. It
// fetches schema snapshots, runs approved statements under a row cap and a
// statement timeout, and lists SQL-callable statistical functions.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/sdoh-analyst/internal/schema"
	"github.com/basket/sdoh-analyst/internal/stats"
)

const (
	DefaultMaxRows = 200
	DefaultTimeout = 30 * time.Second
)

// QueryOptions bound a single statement.
type QueryOptions struct {
	MaxRows int
	Timeout time.Duration
}

func (o QueryOptions) withDefaults() QueryOptions {
	if o.MaxRows <= 0 {
		o.MaxRows = DefaultMaxRows
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Result is a capped query result.
type Result struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

// Source is a dataset backend.
type Source interface {
	Driver() string
	Snapshot(ctx context.Context) (*schema.Snapshot, error)
	// Query runs stmt in its own read-only unit. Callers must only pass
	// statements the validator approved.
	Query(ctx context.Context, stmt string, opts QueryOptions) (Result, error)
	ListFunctions(ctx context.Context, prefix string) ([]stats.Function, error)
	Close() error
}

// StatFunctions are the SQL-callable statistics every warehouse provides.
var StatFunctions = []string{"stat_pearson_correlation", "stat_pearson_correlation_with_p"}

// FunctionInstaller is a Source whose stat functions are created once in the
// database rather than registered per connection.
type FunctionInstaller interface {
	InstallFunctions(ctx context.Context) error
}

// MissingFunctions returns the StatFunctions src does not list.
func MissingFunctions(ctx context.Context, src Source) ([]string, error) {
	fns, err := src.ListFunctions(ctx, "stat")
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(fns))
	for _, f := range fns {
		have[strings.ToLower(f.Name)] = true
	}
	var missing []string
	for _, name := range StatFunctions {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// Config selects and configures a Source.
type Config struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
	Schema string
}

// Open connects to the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg.DSN, cfg.Schema, logger)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Driver)
	}
}

// collect reads up to max rows from next/values and reports truncation
// when more were available.
func collect(max int, next func() bool, values func() ([]any, error)) ([][]any, bool, error) {
	rows := make([][]any, 0, min(max, 64))
	for next() {
		if len(rows) == max {
			return rows, true, nil
		}
		vals, err := values()
		if err != nil {
			return nil, false, err
		}
		for i, v := range vals {
			vals[i] = jsonValue(v)
		}
		rows = append(rows, vals)
	}
	return rows, false, nil
}

func filterPrefix(fns []stats.Function, prefix string) []stats.Function {
	prefix = strings.ToLower(prefix)
	var out []stats.Function
	for _, f := range fns {
		if strings.HasPrefix(strings.ToLower(f.Name), prefix) {
			out = append(out, f)
		}
	}
	return out
}
