package engine

import (
	"sync"
	"time"

	"github.com/basket/sdoh-analyst/internal/tools"
)

// Entry is one iteration of a turn: what the oracle thought, what it asked
// for and what came back. Action is nil for iterations whose reply could
// not be parsed.
type Entry struct {
	Iteration   int               `json:"iteration"`
	Thought     string            `json:"thought,omitempty"`
	Action      *ToolCall         `json:"action,omitempty"`
	Observation tools.Observation `json:"observation"`
	At          time.Time         `json:"at"`
}

// Transcript is the append-only record of one turn. It is owned by the loop
// and never handed to tools.
type Transcript struct {
	mu      sync.Mutex
	entries []Entry
	answer  string
	done    bool
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Append records an entry. Appends after the final answer are ignored.
func (t *Transcript) Append(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	t.entries = append(t.entries, e)
}

// Finish seals the transcript with the final answer.
func (t *Transcript) Finish(answer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.answer = answer
	t.done = true
}

// Entries returns a copy.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Transcript) Answer() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answer, t.done
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
