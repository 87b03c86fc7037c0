package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/sdoh-analyst/internal/api"
	"github.com/basket/sdoh-analyst/internal/audit"
	"github.com/basket/sdoh-analyst/internal/engine"
	"github.com/basket/sdoh-analyst/internal/safety"
)

type askOptions struct {
	dryRun     bool
	jsonOut    bool
	transcript bool
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question, or start a session reading questions from stdin",
		Example: `  analyst ask "Which counties have the highest uninsured rate?"
  analyst ask --dry-run "anything"
  analyst ask            # session: one question per line, /clear resets, /exit quits`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return fail("E_CONFIG_LOAD", err)
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{quiet: true, dryRun: opts.dryRun})
			if err != nil {
				return err
			}
			defer a.Close()

			s := &session{app: a, opts: opts, out: cmd.OutOrStdout(), carry: cfg.Loop.CarryTranscript}
			if len(args) > 0 {
				if !s.ask(cmd.Context(), strings.Join(args, " ")) {
					return exitCodeError(1)
				}
				return nil
			}
			return s.repl(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "use a scripted oracle instead of the LLM")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print each turn as JSON")
	cmd.Flags().BoolVar(&opts.transcript, "transcript", false, "include every step of the turn in the output")
	return cmd
}

// session runs turns for one CLI user. With carry set, each turn sees the
// entries of the turns before it.
type session struct {
	app   *app
	opts  *askOptions
	out   io.Writer
	carry bool
	prior []engine.Entry
}

// ask runs one turn and reports whether it produced an answer.
func (s *session) ask(ctx context.Context, question string) bool {
	req := engine.Request{Question: strings.TrimSpace(question)}
	screen := safety.ScreenQuestion(req.Question)
	if err := screen.Err(); err != nil {
		audit.Record(ctx, audit.Deny, "question.screen", screen.Reason, s.app.policy.PolicyVersion(), "")
		fmt.Fprintln(s.out, styleFailure.Render(err.Error()))
		return false
	}
	if s.carry {
		req.Prior = s.prior
	}
	res := s.app.Run(ctx, req)
	s.app.record(res)
	if s.carry {
		s.prior = append(s.prior, res.Transcript...)
	}
	s.print(res)
	return res.Err == nil
}

func (s *session) repl(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	prompt := func() {
		if interactive() {
			fmt.Fprint(s.out, styleMuted.Render("? "))
		}
	}
	prompt()
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/exit", "/quit":
			return nil
		case "/clear":
			s.prior = nil
			fmt.Fprintln(s.out, styleMuted.Render("transcript cleared"))
		default:
			s.ask(ctx, line)
		}
		if ctx.Err() != nil {
			return nil
		}
		prompt()
	}
	return scanner.Err()
}

func (s *session) print(res *engine.TurnResult) {
	if s.opts.jsonOut {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(api.NewAskResponse(res, s.opts.transcript))
		return
	}
	if s.opts.transcript {
		printTranscript(s.out, res.Transcript)
	}
	if res.Err != nil {
		fmt.Fprintln(s.out, styleFailure.Render(fmt.Sprintf("%s: %v", res.FailureKind(), res.Err)))
		var up *engine.UpstreamError
		if errors.As(res.Err, &up) && up.RetryHint != "" {
			fmt.Fprintln(s.out, styleMuted.Render("hint: "+up.RetryHint))
		}
	} else {
		fmt.Fprintln(s.out, styleAnswer.Render(res.Answer))
		if res.Payload != nil {
			if b, err := json.MarshalIndent(res.Payload, "", "  "); err == nil {
				fmt.Fprintln(s.out, string(b))
			}
		}
	}
	fmt.Fprintln(s.out, styleMuted.Render(fmt.Sprintf("turn %s · %d iterations · %d tool calls · %d rejected · %s",
		res.TurnID, res.Iterations, res.ToolCalls, res.Rejections, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))))
}

func printTranscript(w io.Writer, entries []engine.Entry) {
	for _, e := range entries {
		if e.Thought != "" {
			fmt.Fprintf(w, "%s %s\n", styleMuted.Render(fmt.Sprintf("[%d] thought:", e.Iteration)), e.Thought)
		}
		if e.Action != nil {
			fmt.Fprintf(w, "%s %s %s\n", styleMuted.Render(fmt.Sprintf("[%d] action:", e.Iteration)), e.Action.Name, string(e.Action.Input))
		}
		fmt.Fprintf(w, "%s %s\n", styleMuted.Render(fmt.Sprintf("[%d] observation:", e.Iteration)), e.Observation.Render())
	}
}
