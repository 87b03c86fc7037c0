package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/sdoh-analyst/internal/bus"
	"github.com/basket/sdoh-analyst/internal/schema"
	"github.com/basket/sdoh-analyst/internal/sqlguard"
	"github.com/basket/sdoh-analyst/internal/tools"
)

type staticSnapshots struct {
	snap *schema.Snapshot
	err  error
}

func (s staticSnapshots) Snapshot(context.Context) (*schema.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

func testSnapshot() *schema.Snapshot {
	s := schema.New("public")
	s.AddTable(schema.Table{
		Name:        "county_health",
		RowEstimate: 3100,
		Columns: []schema.Column{
			{Name: "fips", Type: "text"},
			{Name: "uninsured_rate", Type: "double precision"},
		},
	})
	return s
}

// loopFixture holds a registry of small tools that record how they were
// invoked.
type loopFixture struct {
	registry   *tools.Registry
	echoCalls  atomic.Int32
	sqlCalls   atomic.Int32
	listCalls  atomic.Int32
	leaked     atomic.Bool // echo saw a verdict it should not have
	lastVerdOK atomic.Bool
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	f := &loopFixture{registry: tools.NewRegistry()}
	f.registry.MustRegister(tools.Descriptor{
		Name:        "echo",
		Description: "Echo text back.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) tools.Observation {
			f.echoCalls.Add(1)
			if _, ok := sqlguard.VerdictFrom(ctx); ok {
				f.leaked.Store(true)
			}
			var in struct{ Text string }
			_ = json.Unmarshal(input, &in)
			return tools.Success(in.Text)
		}),
	})
	f.registry.MustRegister(tools.Descriptor{
		Name:        "run_sql",
		Description: "Run SQL.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		SQLField:    "query",
		Handler: tools.HandlerFunc(func(ctx context.Context, input json.RawMessage) tools.Observation {
			f.sqlCalls.Add(1)
			var in struct{ Query string }
			_ = json.Unmarshal(input, &in)
			v, ok := sqlguard.VerdictFrom(ctx)
			f.lastVerdOK.Store(ok && v.Covers(in.Query))
			return tools.Success([]map[string]any{{"fips": "01001"}})
		}),
	})
	f.registry.MustRegister(tools.Descriptor{
		Name:        tools.ListTables,
		Description: "List tables.",
		Handler: tools.HandlerFunc(func(context.Context, json.RawMessage) tools.Observation {
			f.listCalls.Add(1)
			return tools.Success(strings.Join(testSnapshot().TableNames(), ", "))
		}),
	})
	f.registry.MustRegister(tools.Descriptor{
		Name:     "chart",
		Terminal: true,
		Handler: tools.HandlerFunc(func(context.Context, json.RawMessage) tools.Observation {
			return tools.Success(map[string]any{"mark": "bar"})
		}),
	})
	f.registry.MustRegister(tools.Descriptor{
		Name: "boom",
		Handler: tools.HandlerFunc(func(context.Context, json.RawMessage) tools.Observation {
			panic("handler bug")
		}),
	})
	f.registry.Seal()
	return f
}

func newTestRunner(t *testing.T, f *loopFixture, oracle Oracle, b *bus.Bus, maxIter int, deadline time.Duration) *Runner {
	t.Helper()
	r, err := NewRunner(Deps{
		Oracle:        oracle,
		Registry:      f.registry,
		Validator:     sqlguard.New(sqlguard.DefaultLimits()),
		Snapshots:     staticSnapshots{snap: testSnapshot()},
		Bus:           b,
		MaxIterations: maxIter,
		Deadline:      deadline,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestNewRunner_RequiresDeps(t *testing.T) {
	if _, err := NewRunner(Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestRun_DirectAnswer(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Answer("42 counties"))
	res := newTestRunner(t, f, oracle, nil, 0, 0).Run(context.Background(), Request{Question: "how many?"})

	if res.Status != StateDone || res.Err != nil {
		t.Fatalf("status=%s err=%v", res.Status, res.Err)
	}
	if res.Answer != "42 counties" || res.Iterations != 1 || len(res.Transcript) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TurnID == "" || res.TraceID == "" || res.TraceID == "-" {
		t.Fatalf("ids not assigned: %q %q", res.TurnID, res.TraceID)
	}
}

func TestRun_ToolThenAnswer_PublishesStates(t *testing.T) {
	f := newLoopFixture(t)
	b := bus.New()
	sub := b.Subscribe("turn.state")
	defer b.Unsubscribe(sub)

	oracle := NewScriptedOracle(Call("echo", `{"text":"hi"}`), Answer("done"))
	res := newTestRunner(t, f, oracle, b, 5, time.Minute).Run(context.Background(), Request{TurnID: "t-1", Question: "q"})

	if res.Status != StateDone || res.Answer != "done" {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Action.Name != "echo" || res.Transcript[0].Observation.Render() != "hi" {
		t.Fatalf("transcript: %+v", res.Transcript)
	}
	if got := len(oracle.Seen(1)); got != 1 {
		t.Fatalf("second decide saw %d entries, want 1", got)
	}

	var states []string
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		states = append(states, ev.Payload.(bus.TurnStateEvent).To)
	}
	want := "THINKING,ACTING,OBSERVING,THINKING,DONE"
	if strings.Join(states, ",") != want {
		t.Fatalf("states = %v, want %s", states, want)
	}
}

func TestRun_UnknownToolIsObservation(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Call("drop_everything", `{}`), Answer("ok"))
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})

	if res.Status != StateDone {
		t.Fatalf("status = %s", res.Status)
	}
	if kind := res.Transcript[0].Observation.Kind(); kind != tools.KindUnknownTool {
		t.Fatalf("kind = %s", kind)
	}
}

func TestRun_InvalidInputSkipsHandler(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Call("echo", `{"text":7}`), Answer("ok"))
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})

	if kind := res.Transcript[0].Observation.Kind(); kind != tools.KindInvalidInput {
		t.Fatalf("kind = %s", kind)
	}
	if f.echoCalls.Load() != 0 {
		t.Fatal("handler ran on invalid input")
	}
}

func TestRun_SQLGate(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(
		Call("run_sql", `{"query":"DROP TABLE county_health"}`),
		Call("run_sql", `{"query":"SELECT zip FROM county_health"}`),
		Call("run_sql", `{"query":"SELECT fips, uninsured_rate FROM county_health WHERE uninsured_rate > 0.2"}`),
		Call("echo", `{"text":"after"}`),
		Answer("ok"),
	)
	res := newTestRunner(t, f, oracle, nil, 10, time.Minute).Run(context.Background(), Request{Question: "q"})

	if res.Status != StateDone {
		t.Fatalf("status = %s err = %v", res.Status, res.Err)
	}
	kinds := []tools.FailureKind{
		res.Transcript[0].Observation.Kind(),
		res.Transcript[1].Observation.Kind(),
		res.Transcript[2].Observation.Kind(),
	}
	if kinds[0] != tools.KindUnsafeStatement || kinds[1] != tools.KindUnknownSchemaObject || kinds[2] != "" {
		t.Fatalf("kinds = %v", kinds)
	}
	if res.Transcript[0].Observation.Failure.Class != tools.ClassValidation {
		t.Fatalf("class = %s", res.Transcript[0].Observation.Failure.Class)
	}
	if got := f.sqlCalls.Load(); got != 1 {
		t.Fatalf("sql handler ran %d times, want 1", got)
	}
	if !f.lastVerdOK.Load() {
		t.Fatal("approved dispatch did not carry a covering verdict")
	}
	if f.leaked.Load() {
		t.Fatal("verdict leaked into a later dispatch")
	}
	if res.Rejections != 2 || res.ToolCalls != 2 {
		t.Fatalf("rejections=%d tool_calls=%d", res.Rejections, res.ToolCalls)
	}
}

func TestRun_UnknownTableRecoversViaTableListing(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(
		Call("run_sql", `{"query":"SELECT fips, uninsured_rate FROM county_healthh"}`),
		Call(tools.ListTables, `{}`),
		Call("run_sql", `{"query":"SELECT fips, uninsured_rate FROM county_health"}`),
		Answer("01001"),
	)
	res := newTestRunner(t, f, oracle, nil, 10, time.Minute).Run(context.Background(), Request{Question: "uninsured by county"})

	if res.Status != StateDone || res.Answer != "01001" {
		t.Fatalf("status = %s answer = %q err = %v", res.Status, res.Answer, res.Err)
	}
	if len(res.Transcript) != 3 {
		t.Fatalf("transcript has %d entries, want 3", len(res.Transcript))
	}

	rejected := res.Transcript[0]
	if rejected.Action.Name != "run_sql" || rejected.Observation.Failure == nil {
		t.Fatalf("first entry = %+v", rejected)
	}
	if rejected.Observation.Kind() != tools.KindUnknownSchemaObject || rejected.Observation.Failure.Class != tools.ClassValidation {
		t.Fatalf("first observation = %+v", rejected.Observation.Failure)
	}
	if !strings.Contains(rejected.Observation.Failure.Message, "county_healthh") {
		t.Fatalf("rejection does not name the table: %q", rejected.Observation.Failure.Message)
	}

	listing := res.Transcript[1]
	if listing.Action.Name != tools.ListTables || !listing.Observation.OK ||
		!strings.Contains(listing.Observation.Render(), "county_health") {
		t.Fatalf("second entry = %+v", listing)
	}

	retried := res.Transcript[2]
	if retried.Action.Name != "run_sql" || !retried.Observation.OK {
		t.Fatalf("third entry = %+v", retried)
	}
	for i, e := range res.Transcript {
		if e.Iteration != i+1 {
			t.Fatalf("entry %d has iteration %d", i, e.Iteration)
		}
	}

	if f.sqlCalls.Load() != 1 || f.listCalls.Load() != 1 {
		t.Fatalf("sql ran %d times, listing %d times", f.sqlCalls.Load(), f.listCalls.Load())
	}
	if res.Rejections != 1 || res.ToolCalls != 2 {
		t.Fatalf("rejections=%d tool_calls=%d", res.Rejections, res.ToolCalls)
	}
}

func TestRun_SnapshotUnavailable(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Call("run_sql", `{"query":"SELECT fips FROM county_health"}`), Answer("ok"))
	r, err := NewRunner(Deps{
		Oracle:    oracle,
		Registry:  f.registry,
		Validator: sqlguard.New(sqlguard.DefaultLimits()),
		Snapshots: staticSnapshots{err: errors.New("connection refused")},
	})
	if err != nil {
		t.Fatal(err)
	}
	res := r.Run(context.Background(), Request{Question: "q"})
	if kind := res.Transcript[0].Observation.Kind(); kind != tools.KindExecutionFailed {
		t.Fatalf("kind = %s", kind)
	}
	if f.sqlCalls.Load() != 0 {
		t.Fatal("sql ran without a snapshot")
	}
}

func TestRun_IterationLimit(t *testing.T) {
	f := newLoopFixture(t)
	var steps []ScriptStep
	for i := 0; i < 10; i++ {
		steps = append(steps, Call("echo", `{"text":"again"}`))
	}
	oracle := NewScriptedOracle(steps...)
	res := newTestRunner(t, f, oracle, nil, 3, time.Minute).Run(context.Background(), Request{Question: "q"})

	var limit *IterationLimitExceeded
	if !errors.As(res.Err, &limit) || limit.Limit != 3 {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Status != StateFailed || len(res.Transcript) != 3 || res.Iterations != 3 {
		t.Fatalf("result: status=%s entries=%d iterations=%d", res.Status, len(res.Transcript), res.Iterations)
	}
	if res.FailureKind() != "iteration_limit_exceeded" {
		t.Fatalf("kind = %s", res.FailureKind())
	}
}

// blockingOracle waits for the context to end.
type blockingOracle struct{}

func (blockingOracle) Decide(ctx context.Context, _ Request, _ []tools.Descriptor, _ []Entry) (Action, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_Deadline(t *testing.T) {
	f := newLoopFixture(t)
	res := newTestRunner(t, f, blockingOracle{}, nil, 5, 30*time.Millisecond).Run(context.Background(), Request{Question: "q"})

	var dl *DeadlineExceeded
	if !errors.As(res.Err, &dl) {
		t.Fatalf("err = %v", res.Err)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatal("DeadlineExceeded should match context.DeadlineExceeded")
	}
	if res.Status != StateFailed {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestRun_CallerCancel(t *testing.T) {
	f := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestRunner(t, f, blockingOracle{}, nil, 5, time.Minute).Run(ctx, Request{Question: "q"})
	if res.Status != StateFailed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("status=%s err=%v", res.Status, res.Err)
	}
	if res.FailureKind() != "canceled" {
		t.Fatalf("kind = %s", res.FailureKind())
	}
}

func TestRun_MalformedActionContinues(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(
		Failing(&MalformedActionError{Reason: "reply contains no JSON object"}),
		Answer("recovered"),
	)
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})

	if res.Status != StateDone || res.Answer != "recovered" {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Action != nil {
		t.Fatalf("transcript: %+v", res.Transcript)
	}
	if res.Transcript[0].Observation.Kind() != tools.KindMalformedAction {
		t.Fatalf("kind = %s", res.Transcript[0].Observation.Kind())
	}
}

func TestRun_UpstreamErrorIsTerminal(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Failing(errors.New("HTTP 429: too many requests")), Answer("never"))
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})

	var up *UpstreamError
	if !errors.As(res.Err, &up) {
		t.Fatalf("err = %v", res.Err)
	}
	if up.Class != ErrorClassRateLimit || up.RetryHint != "retry after backoff" {
		t.Fatalf("upstream = %+v", up)
	}
	if oracle.Calls() != 1 {
		t.Fatalf("oracle called %d times; the loop must not retry", oracle.Calls())
	}
	if res.FailureKind() != "upstream_rate_limit" {
		t.Fatalf("kind = %s", res.FailureKind())
	}
}

func TestRun_TerminalToolEndsTurn(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Call("chart", `{}`), Answer("unreachable"))
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})

	if res.Status != StateDone || res.Answer != `{"mark":"bar"}` {
		t.Fatalf("result: %+v", res)
	}
	if res.Payload == nil || oracle.Calls() != 1 {
		t.Fatalf("payload=%v calls=%d", res.Payload, oracle.Calls())
	}
}

func TestRun_HandlerPanicIsObservation(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Call("boom", `{}`), Answer("ok"))
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})

	if res.Status != StateDone {
		t.Fatalf("status = %s", res.Status)
	}
	if kind := res.Transcript[0].Observation.Kind(); kind != tools.KindExecutionFailed {
		t.Fatalf("kind = %s", kind)
	}
}

// recordingOracle keeps the request it was given.
type recordingOracle struct {
	req Request
	n   int
}

func (o *recordingOracle) Decide(_ context.Context, req Request, catalog []tools.Descriptor, _ []Entry) (Action, error) {
	o.req = req
	o.n = len(catalog)
	return FinalAnswer{Text: "ok"}, nil
}

func TestRun_PassesPriorAndCatalog(t *testing.T) {
	f := newLoopFixture(t)
	prior := []Entry{{Iteration: 1, Action: &ToolCall{Name: "echo", Input: json.RawMessage(`{"text":"x"}`)}, Observation: tools.Success("x")}}
	oracle := &recordingOracle{}
	newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "and now?", Prior: prior})

	if len(oracle.req.Prior) != 1 || oracle.req.Question != "and now?" {
		t.Fatalf("request = %+v", oracle.req)
	}
	if oracle.n != 5 {
		t.Fatalf("catalog size = %d", oracle.n)
	}
}

func TestScriptedOracle_AnswersWithLastObservationWhenExhausted(t *testing.T) {
	f := newLoopFixture(t)
	oracle := NewScriptedOracle(Call("echo", `{"text":"county_health"}`))
	res := newTestRunner(t, f, oracle, nil, 5, time.Minute).Run(context.Background(), Request{Question: "q"})
	if res.Status != StateDone || res.Answer != "county_health" {
		t.Fatalf("result: %+v", res)
	}
}
