package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/sdoh-analyst/internal/schema"
	"github.com/basket/sdoh-analyst/internal/stats"
)

const sqliteDriverName = "sqlite3_analyst"

var registerDriver sync.Once

// registerSQLiteDriver installs a driver whose connections are query-only
// and carry the stat_* functions.
func registerSQLiteDriver() {
	registerDriver.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				if err := conn.RegisterFunc("stat_pearson_correlation", sqlPearson, true); err != nil {
					return fmt.Errorf("register stat_pearson_correlation: %w", err)
				}
				if err := conn.RegisterFunc("stat_pearson_correlation_with_p", sqlPearsonWithP, true); err != nil {
					return fmt.Errorf("register stat_pearson_correlation_with_p: %w", err)
				}
				if _, err := conn.Exec("PRAGMA query_only = ON;", nil); err != nil {
					return fmt.Errorf("set query_only: %w", err)
				}
				return nil
			},
		})
	})
}

// SQLite is a Source over a local SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens path read-only.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite warehouse: empty path")
	}
	registerSQLiteDriver()

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite3: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Driver() string { return "sqlite" }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	snap := schema.New("main")
	for _, name := range names {
		t := schema.Table{Schema: "main", Name: name}
		cols, err := s.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?)`, name)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", name, err)
		}
		for cols.Next() {
			var c schema.Column
			if err := cols.Scan(&c.Name, &c.Type); err != nil {
				cols.Close()
				return nil, fmt.Errorf("scan column of %s: %w", name, err)
			}
			t.Columns = append(t.Columns, c)
		}
		cols.Close()

		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+quoteIdent(name)).Scan(&t.RowEstimate); err != nil {
			s.logger.Warn("sqlite row count failed", "table", name, "error", err)
		}
		snap.AddTable(t)
	}
	return snap, nil
}

// Query runs stmt on a query-only connection, interrupted when the timeout
// elapses.
func (s *SQLite) Query(ctx context.Context, stmt string, opts QueryOptions) (Result, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return Result{}, sqliteError(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, sqliteError(ctx, err)
	}
	values := func() ([]any, error) {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		return dest, nil
	}

	res := Result{Columns: append([]string{}, cols...)}
	res.Rows, res.Truncated, err = collect(opts.MaxRows, rows.Next, values)
	if err != nil {
		return Result{}, sqliteError(ctx, err)
	}
	if !res.Truncated {
		if err := rows.Err(); err != nil {
			return Result{}, sqliteError(ctx, err)
		}
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// ListFunctions reports the functions every connection registers.
func (s *SQLite) ListFunctions(_ context.Context, prefix string) ([]stats.Function, error) {
	return filterPrefix(stats.Builtins("main"), prefix), nil
}

func sqliteError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("query: %w", ctx.Err())
	}
	return fmt.Errorf("query: %w", err)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// sqlPearson backs stat_pearson_correlation. Arguments are JSON arrays of
// numbers; degenerate input yields NULL.
func sqlPearson(x, y string) (any, error) {
	xs, ys, err := decodeArrays(x, y)
	if err != nil {
		return nil, err
	}
	r, ok := stats.Pearson(xs, ys)
	if !ok {
		return nil, nil
	}
	return r, nil
}

// sqlPearsonWithP backs stat_pearson_correlation_with_p and returns a JSON
// object so it can be unpacked with json_extract.
func sqlPearsonWithP(x, y string) (string, error) {
	xs, ys, err := decodeArrays(x, y)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(stats.CorrelateWithP(xs, ys))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func decodeArrays(x, y string) ([]float64, []float64, error) {
	var xs, ys []float64
	if err := json.Unmarshal([]byte(x), &xs); err != nil {
		return nil, nil, fmt.Errorf("x must be a JSON array of numbers: %w", err)
	}
	if err := json.Unmarshal([]byte(y), &ys); err != nil {
		return nil, nil, fmt.Errorf("y must be a JSON array of numbers: %w", err)
	}
	return xs, ys, nil
}
