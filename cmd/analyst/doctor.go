package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/doctor"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			cfg, err := root.loadConfig()
			if err != nil {
				// Keep going; the config check reports why.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)

			if jsonOut {
				return writeJSONTo(out, diag)
			}

			fmt.Fprintln(out, styleHeading.Render(fmt.Sprintf("Analyst Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))))
			fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
			fmt.Fprintln(out, "---")
			for _, res := range diag.Results {
				fmt.Fprintf(out, "%s %-12s %s\n", statusStyle(res.Status).Render(fmt.Sprintf("%-4s", res.Status)), res.Name, res.Message)
				if res.Detail != "" {
					fmt.Fprintf(out, "     %s\n", styleMuted.Render(res.Detail))
				}
			}
			if diag.Failed() > 0 {
				return exitCodeError(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	return cmd
}
