package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/basket/sdoh-analyst/internal/tools"
)

// Request is one user question plus whatever earlier turns left behind.
type Request struct {
	TurnID   string
	Question string
	// Prior holds entries from earlier turns in the same session.
	Prior []Entry
}

// Action is what the oracle decided: a ToolCall or a FinalAnswer.
type Action interface {
	thought() string
}

// ToolCall asks the loop to dispatch one tool.
type ToolCall struct {
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Thought string          `json:"-"`
}

func (c ToolCall) thought() string { return c.Thought }

// FinalAnswer ends the turn.
type FinalAnswer struct {
	Text    string
	Thought string
}

func (a FinalAnswer) thought() string { return a.Thought }

// Oracle picks the next action given the tool catalog and the transcript so
// far. Implementations report unparseable replies as *MalformedActionError.
type Oracle interface {
	Decide(ctx context.Context, req Request, catalog []tools.Descriptor, transcript []Entry) (Action, error)
}

// ScriptStep is one canned oracle reply.
type ScriptStep struct {
	Action Action
	Err    error
}

// Call scripts a tool call. input must be a JSON object.
func Call(name, input string) ScriptStep {
	return ScriptStep{Action: ToolCall{Name: name, Input: json.RawMessage(input)}}
}

// Answer scripts a final answer.
func Answer(text string) ScriptStep {
	return ScriptStep{Action: FinalAnswer{Text: text}}
}

// Failing scripts an oracle error.
func Failing(err error) ScriptStep {
	return ScriptStep{Err: err}
}

// ScriptedOracle replays a fixed sequence of steps. Once the script runs out
// it answers with the last observation, so a dry run always terminates.
type ScriptedOracle struct {
	mu    sync.Mutex
	steps []ScriptStep
	next  int
	seen  [][]Entry
}

func NewScriptedOracle(steps ...ScriptStep) *ScriptedOracle {
	return &ScriptedOracle{steps: steps}
}

func (o *ScriptedOracle) Decide(ctx context.Context, _ Request, _ []tools.Descriptor, transcript []Entry) (Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, transcript)
	if o.next < len(o.steps) {
		step := o.steps[o.next]
		o.next++
		return step.Action, step.Err
	}
	if len(transcript) == 0 {
		return FinalAnswer{Text: "No steps were scripted."}, nil
	}
	return FinalAnswer{Text: transcript[len(transcript)-1].Observation.Render()}, nil
}

// Calls is the number of Decide calls so far.
func (o *ScriptedOracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen)
}

// Seen returns the transcript passed to the i-th Decide call.
func (o *ScriptedOracle) Seen(i int) []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i < 0 || i >= len(o.seen) {
		return nil
	}
	return o.seen[i]
}
