// Package tools holds the tool registry and the execution adapters the
// reasoning loop dispatches to.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool invocation. Handlers report every outcome as an
// Observation and never return opaque errors to the loop.
type Handler interface {
	Invoke(ctx context.Context, input json.RawMessage) Observation
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input json.RawMessage) Observation

func (f HandlerFunc) Invoke(ctx context.Context, input json.RawMessage) Observation {
	return f(ctx, input)
}

// Descriptor describes a registered tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	// SQLField names the input property carrying raw SQL. The loop validates
	// that statement before the handler ever sees it.
	SQLField string `json:"-"`
	// Terminal tools end the turn with their payload as the answer.
	Terminal bool    `json:"terminal,omitempty"`
	Handler  Handler `json:"-"`
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry maps tool names to descriptors. It is filled once at startup,
// sealed, and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]*entry
	sealed  bool
	version uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. The input schema is compiled up front so a broken
// schema fails at startup rather than mid-turn.
func (r *Registry) Register(d Descriptor) error {
	name := strings.TrimSpace(d.Name)
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid tool name %q", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q: nil handler", name)
	}
	if len(bytes.TrimSpace(d.InputSchema)) == 0 {
		d.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := compileSchema(name, d.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}
	d.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.entries[name]; ok {
		return &DuplicateToolError{Name: name}
	}
	r.entries[name] = &entry{desc: d, schema: compiled}
	r.order = append(r.order, name)
	r.version++
	return nil
}

// MustRegister registers d and panics on error. Only for startup wiring.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Resolve looks up a tool by name.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(name)]
	if !ok {
		return Descriptor{}, &UnknownToolError{Name: name, Known: append([]string(nil), r.order...)}
	}
	return e.desc, nil
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Version increases on every successful registration.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// ValidateInput checks input against the tool's compiled schema.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{Name: name, Known: r.Names()}
	}
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage(`{}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return &InvalidInputError{Tool: name, Message: "input is not valid JSON: " + err.Error()}
	}
	if err := e.schema.Validate(doc); err != nil {
		return &InvalidInputError{Tool: name, Message: err.Error()}
	}
	return nil
}

// SQLStatement extracts the raw SQL an input carries for a tool with a
// SQLField. ok is false for tools without one.
func SQLStatement(d Descriptor, input json.RawMessage) (stmt string, ok bool, err error) {
	if d.SQLField == "" {
		return "", false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return "", true, &InvalidInputError{Tool: d.Name, Message: "input must be a JSON object"}
	}
	raw, present := fields[d.SQLField]
	if !present {
		return "", true, &InvalidInputError{Tool: d.Name, Message: fmt.Sprintf("missing %q", d.SQLField)}
	}
	if err := json.Unmarshal(raw, &stmt); err != nil {
		return "", true, &InvalidInputError{Tool: d.Name, Message: fmt.Sprintf("%q must be a string", d.SQLField)}
	}
	return stmt, true, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return s, nil
}
