package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/columns"
	"github.com/basket/sdoh-analyst/internal/config"
	"github.com/basket/sdoh-analyst/internal/doctor"
	"github.com/basket/sdoh-analyst/internal/persistence"
)

func newDictionaryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dictionary",
		Short: "Manage the data dictionary behind the column finder",
	}
	cmd.AddCommand(newDictionaryImportCmd(root), newDictionaryListCmd(root))
	return cmd
}

func openStore(cfg config.Config) (*persistence.Store, error) {
	store, err := persistence.Open(doctor.DBPath(&cfg), nil)
	if err != nil {
		return nil, fail("E_STORE_OPEN", err)
	}
	return store, nil
}

func newDictionaryImportCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file.csv]",
		Short: "Replace the stored dictionary with a table,column,description CSV",
		Long: `import reads a CSV with a table,column,description header (a header-less
file is read in that column order) and replaces the stored dictionary. Without
an argument it reads columns.dictionary from config.yaml.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			path := cfg.DictionaryPath()
			if len(args) == 1 {
				if path, err = filepath.Abs(args[0]); err != nil {
					return err
				}
			}
			entries, err := columns.LoadCSV(path)
			if err != nil {
				return fmt.Errorf("read dictionary: %w", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.ReplaceDictionary(cmd.Context(), path, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d column descriptions from %s\n", n, path)
			return nil
		},
	}
}

func newDictionaryListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the stored dictionary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.DictionaryEntries(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), styleMuted.Render("dictionary is empty; run analyst dictionary import"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Table, e.Column, e.Description)
			}
			return tw.Flush()
		},
	}
}
