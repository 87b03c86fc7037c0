// Package engine runs the reasoning loop: it asks an Oracle for the next
// action, gates and dispatches tool calls, and records every step in a
// Transcript until the turn ends with an answer or a kinded failure.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/sdoh-analyst/internal/audit"
	"github.com/basket/sdoh-analyst/internal/bus"
	otelPkg "github.com/basket/sdoh-analyst/internal/otel"
	"github.com/basket/sdoh-analyst/internal/policy"
	"github.com/basket/sdoh-analyst/internal/schema"
	"github.com/basket/sdoh-analyst/internal/shared"
	"github.com/basket/sdoh-analyst/internal/sqlguard"
	"github.com/basket/sdoh-analyst/internal/tools"
)

// Loop states.
const (
	StateStart     = "START"
	StateThinking  = "THINKING"
	StateActing    = "ACTING"
	StateObserving = "OBSERVING"
	StateDone      = "DONE"
	StateFailed    = "FAILED"
)

const (
	DefaultMaxIterations = 10
	DefaultDeadline      = 2 * time.Minute
)

// SnapshotSource supplies the schema snapshot SQL is validated against.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*schema.Snapshot, error)
}

// Deps wires a Runner. Oracle, Registry, Validator and Snapshots are
// required; the rest may be nil.
type Deps struct {
	Oracle    Oracle
	Registry  *tools.Registry
	Validator *sqlguard.Validator
	Snapshots SnapshotSource

	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Policy  policy.Checker

	MaxIterations int
	Deadline      time.Duration
}

// TurnResult is the outcome of one turn. Err is nil exactly when Status is
// DONE.
type TurnResult struct {
	TurnID     string    `json:"turn_id"`
	TraceID    string    `json:"trace_id"`
	Status     string    `json:"status"`
	Answer     string    `json:"answer,omitempty"`
	Payload    any       `json:"payload,omitempty"` // terminal tool payload
	Transcript []Entry   `json:"transcript"`
	Iterations int       `json:"iterations"`
	ToolCalls  int       `json:"tool_calls"`
	Rejections int       `json:"rejections"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// FailureKind is "" for a DONE turn.
func (r TurnResult) FailureKind() string { return FailureKind(r.Err) }

// Runner executes turns. It is safe for concurrent use; each Run owns its
// own transcript.
type Runner struct {
	oracle    Oracle
	registry  *tools.Registry
	validator *sqlguard.Validator
	snapshots SnapshotSource
	bus       *bus.Bus
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics
	policy    policy.Checker

	maxIterations int
	deadline      time.Duration
}

func NewRunner(d Deps) (*Runner, error) {
	if d.Oracle == nil || d.Registry == nil || d.Validator == nil || d.Snapshots == nil {
		return nil, errors.New("engine: oracle, registry, validator and snapshot source are required")
	}
	r := &Runner{
		oracle:        d.Oracle,
		registry:      d.Registry,
		validator:     d.Validator,
		snapshots:     d.Snapshots,
		bus:           d.Bus,
		logger:        d.Logger,
		tracer:        d.Tracer,
		metrics:       d.Metrics,
		policy:        d.Policy,
		maxIterations: d.MaxIterations,
		deadline:      d.Deadline,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "engine")
	if r.tracer == nil {
		r.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if r.maxIterations <= 0 {
		r.maxIterations = DefaultMaxIterations
	}
	if r.deadline <= 0 {
		r.deadline = DefaultDeadline
	}
	return r, nil
}

// turn is the per-Run state.
type turn struct {
	r          *Runner
	id         string
	state      string
	transcript *Transcript
	iteration  int
	toolCalls  int
	rejections int
	payload    any
}

// Run answers one question. It never returns a nil result; failures are
// reported in TurnResult.Err.
func (r *Runner) Run(ctx context.Context, req Request) *TurnResult {
	if req.TurnID == "" {
		req.TurnID = uuid.NewString()
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithTurnID(ctx, req.TurnID)

	t := &turn{r: r, id: req.TurnID, state: StateStart, transcript: NewTranscript()}
	started := time.Now()

	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "analyst.turn", otelPkg.AttrTurnID.String(req.TurnID))
	r.metrics.TurnStarted(ctx)
	r.publish(bus.TopicTurnStarted, bus.TurnStateEvent{TurnID: t.id, From: "", To: StateStart})
	r.logger.InfoContext(ctx, "turn started", "max_iterations", r.maxIterations, "deadline", r.deadline)

	turnCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	answer, err := t.run(turnCtx, req)
	if err == nil {
		t.transcript.Finish(answer)
		t.setState(ctx, StateDone)
	} else {
		t.setState(ctx, StateFailed)
	}

	res := &TurnResult{
		TurnID:     t.id,
		TraceID:    shared.TraceID(ctx),
		Answer:     answer,
		Payload:    t.payload,
		Transcript: t.transcript.Entries(),
		Iterations: t.iteration,
		ToolCalls:  t.toolCalls,
		Rejections: t.rejections,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Err:        err,
	}
	res.Status = t.state

	elapsed := res.FinishedAt.Sub(started)
	r.metrics.TurnFinished(ctx, res.Status, res.Iterations, elapsed)
	span.SetAttributes(
		otelPkg.AttrTurnStatus.String(res.Status),
		otelPkg.AttrIteration.Int(res.Iterations),
	)
	end := bus.TurnEndEvent{TurnID: t.id, Status: res.Status, Iterations: res.Iterations}
	if err != nil {
		end.Error = err.Error()
		span.SetAttributes(otelPkg.AttrFailureKind.String(res.FailureKind()))
		r.publish(bus.TopicTurnFailed, end)
		r.logger.WarnContext(ctx, "turn failed", "kind", res.FailureKind(), "iterations", res.Iterations, "error", err)
	} else {
		r.publish(bus.TopicTurnCompleted, end)
		r.logger.InfoContext(ctx, "turn completed", "iterations", res.Iterations, "tool_calls", res.ToolCalls, "duration_ms", elapsed.Milliseconds())
	}
	otelPkg.EndSpan(span, err)
	return res
}

func (t *turn) run(ctx context.Context, req Request) (string, error) {
	r := t.r
	for {
		if t.iteration >= r.maxIterations {
			return "", &IterationLimitExceeded{Limit: r.maxIterations}
		}
		if err := ctx.Err(); err != nil {
			return "", t.ctxFailure(err)
		}

		t.iteration++
		iterCtx := shared.WithIteration(ctx, t.iteration)
		t.setState(iterCtx, StateThinking)

		action, err := t.decide(iterCtx, req)
		if err != nil {
			var malformed *MalformedActionError
			switch {
			case ctx.Err() != nil:
				return "", t.ctxFailure(ctx.Err())
			case errors.As(err, &malformed):
				t.setState(iterCtx, StateObserving)
				t.transcript.Append(Entry{
					Iteration:   t.iteration,
					Observation: tools.Fail(tools.KindMalformedAction, tools.ClassOrchestration, malformed.Error()),
				})
				continue
			default:
				var up *UpstreamError
				if !errors.As(err, &up) {
					up = NewUpstreamError(err)
				}
				return "", up
			}
		}

		switch a := action.(type) {
		case FinalAnswer:
			return a.Text, nil
		case ToolCall:
			t.setState(iterCtx, StateActing)
			desc, obs := t.dispatch(iterCtx, a)
			t.setState(iterCtx, StateObserving)
			call := a
			t.transcript.Append(Entry{
				Iteration:   t.iteration,
				Thought:     a.Thought,
				Action:      &call,
				Observation: obs,
			})
			if desc.Terminal && obs.OK {
				t.payload = obs.Payload
				return obs.Render(), nil
			}
		default:
			t.setState(iterCtx, StateObserving)
			t.transcript.Append(Entry{
				Iteration:   t.iteration,
				Observation: tools.Fail(tools.KindMalformedAction, tools.ClassOrchestration, fmt.Sprintf("unsupported action %T", action)),
			})
		}
	}
}

func (t *turn) ctxFailure(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &DeadlineExceeded{Deadline: t.r.deadline}
	}
	return fmt.Errorf("turn canceled: %w", err)
}

func (t *turn) decide(ctx context.Context, req Request) (Action, error) {
	r := t.r
	ctx, span := otelPkg.StartClientSpan(ctx, r.tracer, "analyst.oracle.decide",
		otelPkg.AttrTurnID.String(t.id),
		otelPkg.AttrIteration.Int(t.iteration),
	)
	start := time.Now()
	action, err := r.oracle.Decide(ctx, req, r.registry.List(), t.transcript.Entries())
	outcome := "ok"
	var malformed *MalformedActionError
	switch {
	case err == nil && action == nil:
		err = &MalformedActionError{Reason: "oracle returned no action"}
		outcome = "malformed"
	case errors.As(err, &malformed):
		outcome = "malformed"
	case err != nil:
		outcome = "error"
	}
	r.metrics.OracleCalled(ctx, time.Since(start), outcome)
	if action != nil && action.thought() != "" {
		r.logger.DebugContext(ctx, "oracle thought", "thought", action.thought())
	}
	otelPkg.EndSpan(span, err)
	return action, err
}

// dispatch resolves, gates and invokes one tool call. Every outcome is an
// Observation.
func (t *turn) dispatch(ctx context.Context, call ToolCall) (tools.Descriptor, tools.Observation) {
	r := t.r
	ctx, span := otelPkg.StartSpan(ctx, r.tracer, "analyst.tool.call",
		otelPkg.AttrTurnID.String(t.id),
		otelPkg.AttrIteration.Int(t.iteration),
		otelPkg.AttrToolName.String(call.Name),
	)
	start := time.Now()
	r.publish(bus.TopicToolCalled, bus.ToolEvent{TurnID: t.id, Iteration: t.iteration, Tool: call.Name})

	desc, obs := t.gateAndInvoke(ctx, span, call)

	elapsed := time.Since(start)
	kind := string(obs.Kind())
	r.metrics.ToolCalled(ctx, call.Name, elapsed, kind)
	r.publish(bus.TopicToolObserved, bus.ToolEvent{
		TurnID: t.id, Iteration: t.iteration, Tool: call.Name,
		OK: obs.OK, Kind: kind, Millis: elapsed.Milliseconds(),
	})
	if kind != "" {
		span.SetAttributes(otelPkg.AttrFailureKind.String(kind))
		r.logger.InfoContext(ctx, "tool step failed", "tool", call.Name, "kind", kind)
	} else {
		r.logger.DebugContext(ctx, "tool step observed", "tool", call.Name, "degraded", obs.Degraded, "duration_ms", elapsed.Milliseconds())
	}
	span.End()
	return desc, obs
}

func (t *turn) gateAndInvoke(ctx context.Context, span trace.Span, call ToolCall) (tools.Descriptor, tools.Observation) {
	r := t.r
	desc, err := r.registry.Resolve(call.Name)
	if err != nil {
		return tools.Descriptor{}, tools.FailErr(err)
	}
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := r.registry.ValidateInput(desc.Name, input); err != nil {
		return desc, tools.FailErr(err)
	}

	stmt, hasSQL, err := tools.SQLStatement(desc, input)
	if err != nil {
		return desc, tools.FailErr(err)
	}
	if hasSQL {
		snap, err := r.snapshots.Snapshot(ctx)
		if err != nil {
			return desc, tools.Fail(tools.KindExecutionFailed, tools.ClassExecution, "schema snapshot unavailable: "+err.Error())
		}
		verdict := r.validator.Validate(stmt, snap)
		span.SetAttributes(otelPkg.AttrSQLApproved.Bool(verdict.Approved))
		t.auditVerdict(ctx, desc.Name, verdict)
		if !verdict.Approved {
			t.rejections++
			obs := tools.FailErr(verdict.Err)
			r.metrics.SQLRejected(ctx, string(obs.Kind()))
			r.publish(bus.TopicSQLRejected, bus.ToolEvent{
				TurnID: t.id, Iteration: t.iteration, Tool: desc.Name, Kind: string(obs.Kind()),
			})
			return desc, obs
		}
		// The approval is scoped to this dispatch only.
		ctx = sqlguard.WithVerdict(ctx, verdict)
	}

	t.toolCalls++
	return desc, t.invoke(ctx, desc, input)
}

// invoke runs the handler, turning a panic into an execution failure.
func (t *turn) invoke(ctx context.Context, desc tools.Descriptor, input json.RawMessage) (obs tools.Observation) {
	defer func() {
		if p := recover(); p != nil {
			t.r.logger.ErrorContext(ctx, "tool handler panic", "tool", desc.Name, "panic", p, "stack", string(debug.Stack()))
			obs = tools.Fail(tools.KindExecutionFailed, tools.ClassExecution, fmt.Sprintf("tool %s failed unexpectedly", desc.Name))
		}
	}()
	return desc.Handler.Invoke(ctx, input)
}

func (t *turn) auditVerdict(ctx context.Context, tool string, v sqlguard.Verdict) {
	version := ""
	if t.r.policy != nil {
		version = t.r.policy.PolicyVersion()
	}
	decision, reason := audit.Allow, "approved"
	if !v.Approved {
		decision, reason = audit.Deny, v.Reason
	}
	audit.Record(ctx, decision, "sql.validate:"+tool, reason, version, v.Statement)
}

func (t *turn) setState(ctx context.Context, to string) {
	from := t.state
	if from == to {
		return
	}
	t.state = to
	trace.SpanFromContext(ctx).AddEvent("state", trace.WithAttributes(
		attribute.String("from", from),
		otelPkg.AttrLoopState.String(to),
		otelPkg.AttrIteration.Int(t.iteration),
	))
	t.r.publish(bus.TopicTurnState, bus.TurnStateEvent{TurnID: t.id, Iteration: t.iteration, From: from, To: to})
}

func (r *Runner) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(topic, payload)
	}
}
