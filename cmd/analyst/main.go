package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// exitCodeError ends the process with a specific status and no message.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

type rootOptions struct {
	home string
}

// loadConfig reads config.yaml from --home, falling back to ANALYST_HOME.
func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.home != "" {
		return config.LoadFrom(o.home)
	}
	return config.Load()
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "analyst",
		Short: "Ask questions of an SDOH dataset in plain language",
		Long: `analyst answers natural-language questions about a social determinants of
health dataset. Each question runs a bounded reasoning loop that lists and
describes tables, validates and runs read-only SQL, computes correlations and
returns chart or map specs.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $ANALYST_HOME or ~/.analyst)")

	root.AddCommand(
		newAskCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newToolsCmd(opts),
		newDictionaryCmd(opts),
		newTurnsCmd(opts),
		newDoctorCmd(opts),
		newWarehouseCmd(opts),
	)
	return root
}

func execute(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var code exitCodeError
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintln(stderr, styleFailure.Render("error: "+err.Error()))
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// interactive reports whether stdout is a terminal.
func interactive() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
