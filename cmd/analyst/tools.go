package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newToolsCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the oracle can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{quiet: true, dryRun: true})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			descs := a.registry.List()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, d := range descs {
				mark := ""
				if d.Terminal {
					mark = "terminal"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", styleHeading.Render(d.Name), mark, d.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print descriptors with input schemas as JSON")
	return cmd
}
