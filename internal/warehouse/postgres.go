package warehouse

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/sdoh-analyst/internal/schema"
	"github.com/basket/sdoh-analyst/internal/stats"
)

const pgSnapshotQuery = `
	SELECT c.table_name,
	       c.column_name,
	       c.data_type,
	       COALESCE(col_description(cl.oid, c.ordinal_position::int), '') AS description,
	       GREATEST(cl.reltuples, 0)::bigint AS row_estimate
	FROM information_schema.columns c
	JOIN pg_namespace n ON n.nspname = c.table_schema
	JOIN pg_class cl ON cl.relname = c.table_name AND cl.relnamespace = n.oid
	WHERE c.table_schema = $1
	ORDER BY c.table_name, c.ordinal_position`

const pgFunctionsQuery = `
	SELECT n.nspname,
	       p.proname,
	       pg_get_function_arguments(p.oid),
	       pg_get_function_result(p.oid),
	       COALESCE(d.description, '')
	FROM pg_proc p
	JOIN pg_namespace n ON n.oid = p.pronamespace
	LEFT JOIN pg_description d ON d.objoid = p.oid
	WHERE n.nspname = $1
	  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
	  AND lower(p.proname) LIKE $2
	ORDER BY p.proname`

// pgStatFunctions creates the stat_* functions and grants EXECUTE to PUBLIC.
//
//go:embed sql/stat_functions.sql
var pgStatFunctions string

var _ FunctionInstaller = (*Postgres)(nil)

// Postgres is a Source over a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
	logger *slog.Logger
}

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn, schemaName string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schemaName == "" {
		schemaName = "public"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool, schema: schemaName, logger: logger}, nil
}

func (p *Postgres) Driver() string { return "postgres" }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Snapshot reads tables, columns, column comments and planner row
// estimates for the configured schema.
func (p *Postgres) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, pgSnapshotQuery, p.schema)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	snap := schema.New(p.schema)
	for rows.Next() {
		var table, column, typ, desc string
		var est int64
		if err := rows.Scan(&table, &column, &typ, &desc, &est); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		t, ok := snap.Table(table)
		if !ok {
			t = snap.AddTable(schema.Table{Schema: p.schema, Name: table, RowEstimate: est})
		}
		t.Columns = append(t.Columns, schema.Column{Name: column, Type: typ, Description: desc})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	p.logger.Debug("postgres snapshot loaded", "schema", p.schema, "tables", snap.Len())
	return snap, nil
}

// Query runs stmt inside a read-only transaction that is always rolled back.
// The statement timeout is enforced server side as well as through ctx.
func (p *Postgres) Query(ctx context.Context, stmt string, opts QueryOptions) (Result, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, fmt.Errorf("begin read-only tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", opts.Timeout.Milliseconds())); err != nil {
		return Result{}, fmt.Errorf("set statement_timeout: %w", err)
	}

	rows, err := tx.Query(ctx, stmt)
	if err != nil {
		return Result{}, pgError(ctx, err)
	}
	defer rows.Close()

	res := Result{Columns: []string{}}
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	res.Rows, res.Truncated, err = collect(opts.MaxRows, rows.Next, rows.Values)
	if err != nil {
		return Result{}, pgError(ctx, err)
	}
	if !res.Truncated {
		if err := rows.Err(); err != nil {
			return Result{}, pgError(ctx, err)
		}
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// ListFunctions lists functions in the configured schema whose names start
// with prefix.
func (p *Postgres) ListFunctions(ctx context.Context, prefix string) ([]stats.Function, error) {
	rows, err := p.pool.Query(ctx, pgFunctionsQuery, p.schema, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("query pg_proc: %w", err)
	}
	defer rows.Close()

	var out []stats.Function
	for rows.Next() {
		var f stats.Function
		if err := rows.Scan(&f.Schema, &f.Name, &f.Args, &f.Returns, &f.Description); err != nil {
			return nil, fmt.Errorf("scan function: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// InstallFunctions creates or replaces the stat_* functions in the configured
// schema. It needs a role allowed to create functions there; the analyst's
// own role only has to call them.
func (p *Postgres) InstallFunctions(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+pgx.Identifier{p.schema}.Sanitize()); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	// no arguments, so pgx sends the script over the simple protocol
	if _, err := tx.Exec(ctx, pgStatFunctions); err != nil {
		return fmt.Errorf("install stat functions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	p.logger.Info("stat functions installed", "schema", p.schema)
	return nil
}

// pgError maps a server-side statement timeout onto context.DeadlineExceeded
// so callers see one timeout signal regardless of which side fired.
func pgError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "57014" {
		return fmt.Errorf("statement timeout: %w", context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("query: %w", ctx.Err())
	}
	return fmt.Errorf("query: %w", err)
}
