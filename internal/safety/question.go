// Package safety screens analyst questions for prompt injection before they
// reach the oracle, and query results for credentials before they reach the
// transcript.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action is what to do with a screened question.
type Action int

const (
	Allow Action = iota
	// Warn lets the question through but it should be logged.
	Warn
	Block
)

func (a Action) String() string {
	switch a {
	case Warn:
		return "warn"
	case Block:
		return "block"
	}
	return "allow"
}

// Screening is the outcome of ScreenQuestion.
type Screening struct {
	Action  Action
	Reason  string
	Pattern string // matched expression, for logs only
}

// BlockedQuestionError is returned by Screening.Err for blocked questions.
type BlockedQuestionError struct {
	Reason string
}

func (e *BlockedQuestionError) Error() string {
	return fmt.Sprintf("question rejected: %s", e.Reason)
}

// Err is nil unless the question is blocked.
func (s Screening) Err() error {
	if s.Action == Block {
		return &BlockedQuestionError{Reason: s.Reason}
	}
	return nil
}

type questionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var questionPatterns = []questionPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: Block,
		reason: "instruction override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: Block,
		reason: "identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: Block,
		reason: "system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?)\b`),
		action: Block,
		reason: "system prompt extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(disable|skip|bypass|turn\s+off)\s+(the\s+)?(sql\s+)?(validator|validation|guard|checker)\b`),
		action: Block,
		reason: "validator bypass",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: Warn,
		reason: "[SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: Warn,
		reason: "chat template tag",
	},
}

// ScreenQuestion checks a question before it becomes part of a prompt. The
// first matching pattern wins.
func ScreenQuestion(q string) Screening {
	if strings.TrimSpace(q) == "" {
		return Screening{Action: Allow}
	}
	for _, p := range questionPatterns {
		if p.re.MatchString(q) {
			return Screening{Action: p.action, Reason: p.reason, Pattern: p.re.String()}
		}
	}
	return Screening{Action: Allow}
}
