package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if NewTraceID() == NewTraceID() {
		t.Fatalf("expected distinct trace ids")
	}
}

func TestTurnID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TurnID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	id := NewTurnID()
	ctx = WithTurnID(ctx, id)
	if got := TurnID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestIteration_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := Iteration(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithIteration(ctx, 3)
	if got := Iteration(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}
