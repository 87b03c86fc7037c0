package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/basket/sdoh-analyst/internal/api"
	"github.com/basket/sdoh-analyst/internal/audit"
	"github.com/basket/sdoh-analyst/internal/bus"
	"github.com/basket/sdoh-analyst/internal/columns"
	"github.com/basket/sdoh-analyst/internal/config"
	"github.com/basket/sdoh-analyst/internal/doctor"
	"github.com/basket/sdoh-analyst/internal/engine"
	"github.com/basket/sdoh-analyst/internal/geo"
	"github.com/basket/sdoh-analyst/internal/mcp"
	otelPkg "github.com/basket/sdoh-analyst/internal/otel"
	"github.com/basket/sdoh-analyst/internal/persistence"
	"github.com/basket/sdoh-analyst/internal/policy"
	"github.com/basket/sdoh-analyst/internal/sqlguard"
	"github.com/basket/sdoh-analyst/internal/telemetry"
	"github.com/basket/sdoh-analyst/internal/tools"
	"github.com/basket/sdoh-analyst/internal/warehouse"
)

type appOptions struct {
	// quiet keeps logs out of stdout.
	quiet bool
	// dryRun swaps the LLM for a scripted oracle that lists tables and
	// answers with what it saw.
	dryRun bool
	// metrics receives OTel instruments alongside the HTTP counters.
	metrics prometheus.Registerer
}

// app is the wired analyst: one warehouse, one sealed registry, one runner.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	policy  *policy.LivePolicy

	policyPath string

	source    warehouse.Source
	catalog   *warehouse.Catalog
	index     *columns.Index
	validator *sqlguard.Validator
	registry  *tools.Registry
	deps      engine.Deps
	turns     *engine.Runner
	dryRun    bool

	closers []func() error
}

// startupError carries a reason code the way fatal startup events are
// reported in the audit log.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error {
	audit.Record(context.Background(), "fatal", "runtime.startup", code, "", err.Error())
	return &startupError{code: code, err: err}
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, dryRun: opts.dryRun}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, fail("E_AUDIT_INIT", err)
	}
	a.closers = append(a.closers, audit.Close)

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return a, fail("E_LOGGER_INIT", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	a.bus = bus.New()

	a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Registerer:  opts.metrics,
	})
	if err != nil {
		return a, fail("E_OTEL_INIT", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(ctx)
	})
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		return a, fail("E_OTEL_INIT", err)
	}

	a.store, err = persistence.Open(doctor.DBPath(&cfg), a.bus)
	if err != nil {
		return a, fail("E_STORE_OPEN", err)
	}
	a.closers = append(a.closers, a.store.Close)
	audit.SetDB(a.store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	pol, source, err := a.loadPolicy()
	if err != nil {
		return a, fail("E_POLICY_LOAD", err)
	}
	a.policy = policy.NewLivePolicy(pol)
	if err := a.store.RecordPolicyVersion(ctx, a.policy.PolicyVersion(), a.policy.PolicyVersion(), source); err != nil {
		logger.Warn("failed to record policy version", "error", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", a.policy.PolicyVersion())

	a.source, err = warehouse.Open(ctx, warehouse.Config{
		Driver: cfg.Warehouse.Driver,
		DSN:    cfg.Warehouse.DSN,
		Schema: cfg.Warehouse.Schema,
	}, logger)
	if err != nil {
		return a, fail("E_WAREHOUSE_OPEN", err)
	}
	a.closers = append(a.closers, a.source.Close)
	a.catalog = warehouse.NewCatalog(a.source, a.store, a.bus, logger)

	a.index = columns.NewIndex(cfg.Columns.K, cfg.Columns.Threshold)
	if err := a.rebuildIndex(ctx); err != nil {
		// The column finder degrades to an empty index; schema tools still
		// report the warehouse error on use.
		logger.Warn("column index unavailable", "error", err)
	}
	logger.Info("startup phase", "phase", "warehouse_ready", "driver", a.source.Driver(), "columns", a.index.Len())

	analyzer, err := a.geoAnalyzer(ctx)
	if err != nil {
		return a, fail("E_GEO_INIT", err)
	}

	a.validator = sqlguard.New(sqlguard.Limits{
		MaxJoins:           cfg.SQL.MaxJoins,
		MaxEstimatedRows:   cfg.SQL.MaxEstimatedRows,
		DefaultRowEstimate: cfg.SQL.DefaultRowEstimate,
		AllowWildcard:      cfg.SQL.AllowWildcard,
	})

	a.registry = tools.NewRegistry()
	if err := tools.RegisterAll(a.registry, tools.Deps{
		Catalog:   a.catalog,
		Columns:   a.index,
		Validator: a.validator,
		Query:     warehouse.QueryOptions{MaxRows: cfg.SQL.RowCap, Timeout: cfg.SQL.StatementTimeout},
		Geo:       analyzer,
		Logger:    logger,
	}); err != nil {
		return a, fail("E_TOOLS_REGISTER", err)
	}
	a.registry.Seal()
	logger.Info("startup phase", "phase", "tools_registered", "tools", len(a.registry.List()), "version", a.registry.Version())

	var oracle engine.Oracle = dryRunOracle()
	if !opts.dryRun {
		oracle, err = engine.NewGenkitOracle(ctx, engine.OracleConfig{
			Provider:           cfg.LLM.Provider,
			Model:              cfg.LLM.Model,
			APIKey:             cfg.ProviderAPIKey(cfg.LLM.Provider),
			BaseURL:            firstNonEmpty(cfg.LLM.BaseURL, cfg.Providers[cfg.LLM.Provider].BaseURL),
			CompatibleProvider: cfg.LLM.CompatibleProvider,
			Logger:             logger,
		})
		if err != nil {
			return a, fail("E_ORACLE_INIT", err)
		}
	}
	a.deps = engine.Deps{
		Oracle:        oracle,
		Registry:      a.registry,
		Validator:     a.validator,
		Snapshots:     a.catalog,
		Bus:           a.bus,
		Logger:        logger,
		Tracer:        a.otel.Tracer,
		Metrics:       a.metrics,
		Policy:        a.policy,
		MaxIterations: cfg.Loop.MaxIterations,
		Deadline:      cfg.Loop.Deadline,
	}
	if a.turns, err = engine.NewRunner(a.deps); err != nil {
		return a, fail("E_ENGINE_INIT", err)
	}

	// Keep the column finder in step with schema refreshes from any source.
	listenCtx, stopListening := context.WithCancel(context.Background())
	a.closers = append(a.closers, func() error { stopListening(); return nil })
	a.bus.Listen(listenCtx, bus.TopicSchemaRefreshed, func(bus.Event) {
		snap, err := a.catalog.Snapshot(listenCtx)
		if err != nil {
			return
		}
		a.index.Replace(columns.FromSnapshot(snap))
	})

	logger.Info("startup phase", "phase", "ready", "dry_run", opts.dryRun)
	return a, nil
}

// loadPolicy prefers policy.yaml in the home directory over the policy
// block in config.yaml.
func (a *app) loadPolicy() (policy.Policy, string, error) {
	a.policyPath = filepath.Join(a.cfg.HomeDir, "policy.yaml")
	if _, err := os.Stat(a.policyPath); err == nil {
		p, err := policy.Load(a.policyPath)
		return p, a.policyPath, err
	}
	return a.cfg.Policy, config.ConfigPath(a.cfg.HomeDir), nil
}

func (a *app) geoAnalyzer(ctx context.Context) (geo.NeighborhoodAnalyzer, error) {
	g := a.cfg.Geo
	if !g.Enabled {
		return nil, nil
	}
	server := mcp.ServerConfig{
		Name:    g.MCP.Name,
		URL:     g.MCP.URL,
		Command: g.MCP.Command,
		Args:    g.MCP.Args,
		Env:     g.MCP.Env,
		Token:   g.MCP.Token,
	}
	if server.Enabled() {
		client, err := mcp.Dial(ctx, server, a.policy, a.logger)
		if err != nil {
			return nil, fmt.Errorf("dial geo MCP server: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return geo.NewRemoteAnalyzer(client, a.logger), nil
	}
	client := geo.NewClient(geo.ClientConfig{
		OverpassURL:       g.OverpassURL,
		NominatimURL:      g.NominatimURL,
		UserAgent:         g.UserAgent,
		RequestsPerSecond: g.RequestsPerSecond,
		Timeout:           g.Timeout,
	}, a.policy, a.logger)
	return geo.NewAnalyzer(client, a.logger).WithMetrics(a.metrics), nil
}

// rebuildIndex re-reads the schema and the stored dictionary into the
// column finder.
func (a *app) rebuildIndex(ctx context.Context) error {
	if err := a.catalog.Refresh(ctx); err != nil {
		return err
	}
	snap, err := a.catalog.Snapshot(ctx)
	if err != nil {
		return err
	}
	a.index.Replace(columns.FromSnapshot(snap))
	return nil
}

// importDictionary loads a CSV into the store and refreshes everything
// derived from it.
func (a *app) importDictionary(ctx context.Context, path string) (int, error) {
	entries, err := columns.LoadCSV(path)
	if err != nil {
		return 0, fmt.Errorf("read dictionary: %w", err)
	}
	n, err := a.store.ReplaceDictionary(ctx, path, entries)
	if err != nil {
		return 0, err
	}
	if err := a.rebuildIndex(ctx); err != nil {
		return n, fmt.Errorf("refresh schema after import: %w", err)
	}
	return n, nil
}

// Run implements api.TurnRunner. Dry runs get a fresh scripted oracle each
// turn so every question replays the same script.
func (a *app) Run(ctx context.Context, req engine.Request) *engine.TurnResult {
	r := a.turns
	if a.dryRun {
		deps := a.deps
		deps.Oracle = dryRunOracle()
		r, _ = engine.NewRunner(deps) // same deps as the validated startup runner
	}
	return r.Run(ctx, req)
}

func dryRunOracle() engine.Oracle {
	return engine.NewScriptedOracle(engine.Call(tools.ListTables, `{}`))
}

// record writes the turn to the ledger. Ledger failures are logged, never
// surfaced to the asker.
func (a *app) record(res *engine.TurnResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.RecordTurn(ctx, api.TurnRecordOf(res)); err != nil {
		a.logger.Warn("record turn failed", "turn_id", res.TurnID, "error", err)
	}
}

// reloadPolicy re-reads policy.yaml, or config.yaml's policy block, and swaps
// it in.
func (a *app) reloadPolicy(ctx context.Context) error {
	var (
		p      policy.Policy
		source string
		err    error
	)
	if _, statErr := os.Stat(a.policyPath); statErr == nil {
		p, err = policy.Load(a.policyPath)
		source = a.policyPath
	} else {
		var cfg config.Config
		cfg, err = config.LoadFrom(a.cfg.HomeDir)
		p = cfg.Policy
		source = config.ConfigPath(a.cfg.HomeDir)
	}
	if err != nil {
		return err
	}
	before := a.policy.PolicyVersion()
	if err := a.policy.Reload(p); err != nil {
		return err
	}
	after := a.policy.PolicyVersion()
	if after != before {
		if err := a.store.RecordPolicyVersion(ctx, after, after, source); err != nil {
			a.logger.Warn("failed to record policy version", "error", err)
		}
	}
	a.bus.Publish(bus.TopicConfigReloaded, map[string]any{"source": source, "policy_version": after})
	a.logger.Info("policy reloaded", "source", source, "policy_version", after)
	return nil
}

// watch applies file changes under the home directory until ctx is done.
func (a *app) watch(ctx context.Context) error {
	dictPath := a.cfg.DictionaryPath()
	var extra []string
	if filepath.Dir(dictPath) != filepath.Clean(a.cfg.HomeDir) {
		extra = append(extra, dictPath)
	}
	w := config.NewWatcher(a.cfg.HomeDir, a.logger, extra...)
	if err := w.Start(ctx); err != nil {
		return err
	}
	go func() {
		for ev := range w.Events() {
			if ev.IsDictionary(dictPath) {
				n, err := a.importDictionary(ctx, dictPath)
				if err != nil {
					a.logger.Warn("dictionary reload failed", "path", ev.Path, "error", err)
					continue
				}
				a.logger.Info("dictionary reloaded", "entries", n, "columns", a.index.Len())
				continue
			}
			if err := a.reloadPolicy(ctx); err != nil {
				a.logger.Warn("policy reload failed", "path", ev.Path, "error", err)
			}
		}
	}()
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
