package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// decisionSchemaJSON is the shape every oracle reply must take.
const decisionSchemaJSON = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "thought": {"type": "string"},
    "action": {"enum": ["tool", "final"]},
    "tool": {"type": "string", "minLength": 1},
    "input": {"type": "object"},
    "answer": {"type": "string"}
  },
  "allOf": [
    {"if": {"properties": {"action": {"const": "tool"}}}, "then": {"required": ["tool"]}},
    {"if": {"properties": {"action": {"const": "final"}}}, "then": {"required": ["answer"]}}
  ]
}`

type decision struct {
	Thought string          `json:"thought"`
	Action  string          `json:"action"`
	Tool    string          `json:"tool"`
	Input   json.RawMessage `json:"input"`
	Answer  string          `json:"answer"`
}

// compileDecisionSchema compiles decisionSchemaJSON.
func compileDecisionSchema() (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(decisionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal decision schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("decision.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return s, nil
}

// parseDecision turns a raw model reply into an Action. Every way the reply
// can be unusable comes back as *MalformedActionError.
func parseDecision(reply string, schema *jsonschema.Schema) (Action, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return nil, &MalformedActionError{Reason: "reply contains no JSON object", Raw: reply}
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, &MalformedActionError{Reason: "invalid JSON: " + err.Error(), Raw: reply}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &MalformedActionError{Reason: "reply does not match the decision schema: " + err.Error(), Raw: reply}
	}

	var d decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, &MalformedActionError{Reason: "decode decision: " + err.Error(), Raw: reply}
	}
	thought := strings.TrimSpace(d.Thought)
	switch d.Action {
	case "final":
		return FinalAnswer{Text: strings.TrimSpace(d.Answer), Thought: thought}, nil
	default:
		input := d.Input
		if len(bytes.TrimSpace(input)) == 0 || bytes.Equal(bytes.TrimSpace(input), []byte("null")) {
			input = json.RawMessage(`{}`)
		}
		return ToolCall{Name: strings.TrimSpace(d.Tool), Input: input, Thought: thought}, nil
	}
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Generic fenced block.
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first balanced object.
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced {...} prefix of s, honoring strings
// and escapes.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
