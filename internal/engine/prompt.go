package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/sdoh-analyst/internal/tokenutil"
	"github.com/basket/sdoh-analyst/internal/tools"
)

// maxPriorTokens bounds how much of earlier turns goes back into the prompt.
const maxPriorTokens = 1500

// maxObservationChars bounds each rendered observation.
const maxObservationChars = 6000

const basePrompt = `You are a careful, step-by-step data analyst for social determinants of health (SDOH) data. You answer questions by querying a read-only SQL warehouse and the other tools listed below.

Follow this loop until you can confidently answer:
1) THINK: Reason briefly about what to do.
2) ACT: If needed, call exactly one tool with correct JSON arguments.
3) OBSERVE: Read the tool result.
4) REPEAT until done.
5) FINAL: Give the user a clear answer.

Rules:
- Only use the tools listed below. Inputs must match each tool's JSON schema.
- Look at the tables and their columns before writing SQL. Never guess column names.
- Write a single read-only SELECT. Name the columns you need; SELECT * is rejected.
- Run sql_db_query_checker on a query before sql_db_query when unsure.
- An ERROR observation explains what went wrong. Fix the cause and try again.
- If no tool is needed, answer directly.

Reply with exactly one JSON object and nothing else:
{"thought": "<one or two sentences>", "action": "tool", "tool": "<tool name>", "input": {<arguments>}}
or
{"thought": "<one or two sentences>", "action": "final", "answer": "<answer for the user>"}`

// systemPrompt renders the instructions, the tool catalog and a digest of
// earlier turns.
func systemPrompt(catalog []tools.Descriptor, prior []Entry) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nTools:\n")
	for _, d := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n  input schema: %s\n", d.Name, oneLine(d.Description), compactJSON(d.InputSchema))
	}
	var digest []string
	for _, e := range prior {
		if e.Action == nil {
			continue
		}
		digest = append(digest, fmt.Sprintf("- %s %s -> %s", e.Action.Name, compactJSON(e.Action.Input), truncate(oneLine(e.Observation.Render()), 400)))
	}
	if digest = tokenutil.Newest(digest, maxPriorTokens); len(digest) > 0 {
		b.WriteString("\nEarlier in this session:\n")
		for _, line := range digest {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// decisionText is the JSON the oracle would have sent for an entry; it is
// replayed as the model's side of the conversation.
func decisionText(e Entry) string {
	d := map[string]any{"thought": e.Thought}
	if e.Action != nil {
		d["action"] = "tool"
		d["tool"] = e.Action.Name
		input := e.Action.Input
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		d["input"] = input
	} else {
		d["action"] = "?"
	}
	data, _ := json.Marshal(d)
	return string(data)
}

// observationText is the user's side: the rendered observation.
func observationText(e Entry) string {
	return "OBSERVATION: " + truncate(e.Observation.Render(), maxObservationChars)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(data)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "...(truncated)"
}
