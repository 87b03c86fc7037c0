package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/persistence"
)

func newTurnsCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "turns",
		Short: "Inspect the turn ledger",
	}
	cmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON")

	withStore := func(run func(cmd *cobra.Command, store *persistence.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return run(cmd, store, args)
		}
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent turns, newest first",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *persistence.Store, _ []string) error {
			turns, err := store.ListTurns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSONTo(cmd.OutOrStdout(), turns)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TURN\tSTARTED\tSTATUS\tKIND\tITER\tTOOLS\tREJECTED\tDURATION")
			for _, t := range turns {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					t.TurnID, t.StartedAt.Local().Format(time.DateTime), statusStyle(passFail(t.Status)).Render(t.Status),
					t.FailureKind, t.Iterations, t.ToolCalls, t.Rejections, time.Duration(t.DurationMS)*time.Millisecond)
			}
			return tw.Flush()
		}),
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of turns")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the ledger",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, store *persistence.Store, _ []string) error {
			st, err := store.TurnStats(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSONTo(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "done %d  failed %d  tool calls %d  rejected %d  avg %s\n",
				st.Done, st.Failed, st.ToolCalls, st.Rejections, time.Duration(st.AvgDurationMS)*time.Millisecond)
			return nil
		}),
	}

	audit := &cobra.Command{
		Use:   "audit <turn-id>",
		Short: "Show the gate decisions recorded during a turn",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *persistence.Store, args []string) error {
			entries, err := store.AuditForTurn(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSONTo(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				return fmt.Errorf("no audit entries for turn %s", args[0])
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Decision, e.Action, e.Reason, e.Subject)
			}
			return tw.Flush()
		}),
	}

	backup := &cobra.Command{
		Use:   "backup <dest.db>",
		Short: "Write a consistent copy of the analyst store",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, store *persistence.Store, args []string) error {
			if err := store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backed up to %s\n", args[0])
			return nil
		}),
	}

	cmd.AddCommand(list, stats, audit, backup)
	return cmd
}

func passFail(status string) string {
	if status == "DONE" {
		return "PASS"
	}
	return "FAIL"
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
