package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRegistrySealed is returned by Register after Seal.
var ErrRegistrySealed = errors.New("tool registry is sealed")

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.Name)
}

// UnknownToolError is returned when an action names a tool that does not
// exist. Known lists the registered names so the oracle can correct itself.
type UnknownToolError struct {
	Name  string
	Known []string
}

func (e *UnknownToolError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown tool %q", e.Name)
	}
	return fmt.Sprintf("unknown tool %q; available tools: %s", e.Name, strings.Join(e.Known, ", "))
}

// InvalidInputError reports a tool input that does not match its schema.
type InvalidInputError struct {
	Tool    string
	Message string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, e.Message)
}

// UnapprovedStatementError is returned by the query adapter when no approved
// verdict covers the statement it was asked to run.
type UnapprovedStatementError struct {
	Statement string
}

func (e *UnapprovedStatementError) Error() string {
	return "statement was not approved by the validator"
}
