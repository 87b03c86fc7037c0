package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/api"
	"github.com/basket/sdoh-analyst/internal/cron"
	"github.com/basket/sdoh-analyst/internal/warehouse"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the analyst over HTTP",
		Long: `serve answers POST /v1/ask, lists tools, exposes the turn ledger, streams
turn events and publishes Prometheus metrics. While it runs it refreshes the
schema on warehouse.refresh, purges old ledger rows on retention.schedule and
reloads policy and the data dictionary when their files change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			if addr != "" {
				cfg.Server.BindAddr = addr
			}
			a, err := newApp(ctx, cfg, appOptions{quiet: interactive(), dryRun: dryRun, metrics: prometheus.DefaultRegisterer})
			if err != nil {
				return err
			}
			defer a.Close()
			logger := a.logger

			if host, _, err := net.SplitHostPort(cfg.Server.BindAddr); err == nil {
				h := strings.ToLower(strings.TrimSpace(host))
				loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
				if !loopback && cfg.Server.AuthToken == "" {
					logger.Warn("serving on a non-loopback address without server.auth_token; /v1 routes are open", "bind_addr", cfg.Server.BindAddr)
				}
			}

			if spec := strings.TrimSpace(cfg.Warehouse.Refresh); spec != "" {
				refresher, err := warehouse.NewRefresher(a.catalog, spec, logger)
				if err != nil {
					return fail("E_REFRESH_INIT", err)
				}
				refresher.Start()
				defer refresher.Stop()
			}

			retention, err := cron.NewScheduler(cron.Config{
				Store:     a.store,
				Logger:    logger,
				Spec:      cfg.Retention.Schedule,
				TurnDays:  cfg.Retention.TurnDays,
				AuditDays: cfg.Retention.AuditDays,
			})
			if err != nil {
				return fail("E_RETENTION_INIT", err)
			}
			retention.Start(ctx)
			defer retention.Stop()

			if err := a.watch(ctx); err != nil {
				logger.Warn("config watcher unavailable; edits need a restart", "error", err)
			}

			srv, err := api.New(api.Config{
				Runner:            a,
				Registry:          a.registry,
				Ledger:            a.store,
				Bus:               a.bus,
				Policy:            a.policy,
				Logger:            logger,
				AuthToken:         cfg.Server.AuthToken,
				RequestsPerMinute: cfg.Server.RequestsPerMinute,
				Burst:             cfg.Server.Burst,
				TrustProxy:        cfg.Server.TrustProxy,
				Registerer:        prometheus.DefaultRegisterer,
				Gatherer:          prometheus.DefaultGatherer,
			})
			if err != nil {
				return fail("E_API_INIT", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), styleMuted.Render("listening on http://"+cfg.Server.BindAddr))
			if err := srv.ListenAndServe(ctx, cfg.Server.BindAddr); err != nil {
				return fail("E_HTTP_SERVE", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "bind address (overrides server.bind_addr)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use a scripted oracle instead of the LLM")
	return cmd
}
