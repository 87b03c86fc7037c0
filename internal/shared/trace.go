// Package shared carries request-scoped identifiers and secret redaction
// used across packages.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type turnIDKey struct{}
type iterationKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTurnID attaches the turn being executed.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, turnIDKey{}, turnID)
}

// TurnID extracts turn_id from context. Returns "" if absent.
func TurnID(ctx context.Context) string {
	if v, ok := ctx.Value(turnIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewTurnID generates a new turn_id.
func NewTurnID() string {
	return uuid.NewString()
}

// WithIteration attaches the loop iteration a tool call belongs to.
func WithIteration(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, iterationKey{}, n)
}

// Iteration extracts the loop iteration (0 if absent).
func Iteration(ctx context.Context) int {
	if v, ok := ctx.Value(iterationKey{}).(int); ok {
		return v
	}
	return 0
}
