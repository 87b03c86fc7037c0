package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/warehouse"
)

func newWarehouseCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warehouse",
		Short: "Prepare the analytics warehouse",
	}
	cmd.AddCommand(newInstallFunctionsCmd(root))
	return cmd
}

func newInstallFunctionsCmd(root *rootOptions) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "install-functions",
		Short: "Create the stat_* SQL functions in the warehouse schema",
		Long: `install-functions creates or replaces stat_pearson_correlation and
stat_pearson_correlation_with_p in warehouse.schema and grants EXECUTE on them
to PUBLIC, so the analyst's read-only role can call them. Postgres needs this
once per database; SQLite registers the functions on every connection.

Pass --dsn for a role that may create functions when warehouse.dsn is the
read-only analyst role.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			src, err := warehouse.Open(ctx, warehouse.Config{
				Driver: cfg.Warehouse.Driver,
				DSN:    firstNonEmpty(dsn, cfg.Warehouse.DSN),
				Schema: cfg.Warehouse.Schema,
			}, nil)
			if err != nil {
				return fail("E_WAREHOUSE_OPEN", err)
			}
			defer src.Close()

			inst, ok := src.(warehouse.FunctionInstaller)
			if !ok {
				fmt.Fprintln(out, styleMuted.Render(src.Driver()+" registers the stat functions on every connection; nothing to install"))
				return nil
			}
			if err := inst.InstallFunctions(ctx); err != nil {
				return fail("E_FUNCTIONS_INSTALL", err)
			}
			missing, err := warehouse.MissingFunctions(ctx, src)
			if err != nil {
				return fail("E_FUNCTIONS_LIST", err)
			}
			if len(missing) > 0 {
				return fail("E_FUNCTIONS_INSTALL", fmt.Errorf("still missing after install: %s", strings.Join(missing, ", ")))
			}
			fmt.Fprintln(out, stylePass.Render("installed "+strings.Join(warehouse.StatFunctions, ", ")))
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "connection string for a role that may create functions (default warehouse.dsn)")
	return cmd
}
