package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/sdoh-analyst/internal/sqlguard"
)

// FailureKind names why a tool step did not produce a result.
type FailureKind string

const (
	KindUnsafeStatement     FailureKind = "unsafe_statement"
	KindUnknownSchemaObject FailureKind = "unknown_schema_object"
	KindResultTooLarge      FailureKind = "result_too_large"
	KindUnapprovedStatement FailureKind = "unapproved_statement"
	KindExecutionFailed     FailureKind = "execution_failed"
	KindTimeout             FailureKind = "timeout"
	KindInvalidInput        FailureKind = "invalid_input"
	KindUnknownTool         FailureKind = "unknown_tool"
	KindMalformedAction     FailureKind = "malformed_action"
	KindUpstreamUnavailable FailureKind = "upstream_unavailable"
)

// FailureClass groups failure kinds.
type FailureClass string

const (
	ClassValidation    FailureClass = "validation"
	ClassExecution     FailureClass = "execution"
	ClassOrchestration FailureClass = "orchestration"
)

// Failure is the error half of an Observation.
type Failure struct {
	Kind    FailureKind  `json:"kind"`
	Class   FailureClass `json:"class"`
	Message string       `json:"message"`
}

// Observation is the outcome of one tool step: either a payload or a
// failure, never both. Degraded marks a partial result; Warnings explain it.
type Observation struct {
	OK       bool     `json:"ok"`
	Payload  any      `json:"payload,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Success wraps a payload.
func Success(payload any) Observation {
	return Observation{OK: true, Payload: payload}
}

// Partial wraps a degraded payload with the warnings that explain it.
func Partial(payload any, warnings ...string) Observation {
	return Observation{OK: true, Payload: payload, Warnings: warnings, Degraded: len(warnings) > 0}
}

// Fail builds a failed observation.
func Fail(kind FailureKind, class FailureClass, msg string) Observation {
	return Observation{Failure: &Failure{Kind: kind, Class: class, Message: msg}}
}

// FailErr maps a typed error onto its failure kind and class.
func FailErr(err error) Observation {
	var (
		unsafe     *sqlguard.UnsafeStatementError
		unknownObj *sqlguard.UnknownSchemaObjectError
		tooLarge   *sqlguard.ResultTooLargeError
		unapproved *UnapprovedStatementError
		unknownT   *UnknownToolError
		invalid    *InvalidInputError
	)
	switch {
	case err == nil:
		return Success(nil)
	case errors.As(err, &unsafe):
		return Fail(KindUnsafeStatement, ClassValidation, err.Error())
	case errors.As(err, &unknownObj):
		return Fail(KindUnknownSchemaObject, ClassValidation, err.Error())
	case errors.As(err, &tooLarge):
		return Fail(KindResultTooLarge, ClassValidation, err.Error())
	case errors.As(err, &unapproved):
		return Fail(KindUnapprovedStatement, ClassValidation, err.Error())
	case errors.As(err, &unknownT):
		return Fail(KindUnknownTool, ClassOrchestration, err.Error())
	case errors.As(err, &invalid):
		return Fail(KindInvalidInput, ClassValidation, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return Fail(KindTimeout, ClassExecution, err.Error())
	default:
		return Fail(KindExecutionFailed, ClassExecution, err.Error())
	}
}

// Kind returns the failure kind, or "" for a success.
func (o Observation) Kind() FailureKind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}

// Render returns the compact text form fed back to the oracle.
func (o Observation) Render() string {
	var b strings.Builder
	if o.Failure != nil {
		fmt.Fprintf(&b, "ERROR [%s/%s]: %s", o.Failure.Class, o.Failure.Kind, o.Failure.Message)
	} else {
		switch p := o.Payload.(type) {
		case nil:
			b.WriteString("(no result)")
		case string:
			b.WriteString(p)
		case fmt.Stringer:
			b.WriteString(p.String())
		default:
			data, err := json.Marshal(p)
			if err != nil {
				fmt.Fprintf(&b, "%v", p)
			} else {
				b.Write(data)
			}
		}
	}
	for _, w := range o.Warnings {
		b.WriteString("\nWARNING: " + w)
	}
	return b.String()
}
