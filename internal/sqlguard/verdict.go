package sqlguard

import (
	"context"
	"fmt"
)

// UnsafeStatementError rejects anything other than a single read-only query.
type UnsafeStatementError struct {
	Reason string
}

func (e *UnsafeStatementError) Error() string { return "unsafe statement: " + e.Reason }

// UnknownSchemaObjectError rejects a reference to a table or column missing
// from the schema snapshot.
type UnknownSchemaObjectError struct {
	Kind  string // "table" or "column"
	Name  string
	Table string // owning table for column errors, when known
}

func (e *UnknownSchemaObjectError) Error() string {
	if e.Kind == "column" && e.Table != "" {
		return fmt.Sprintf("unknown column %q in table %q", e.Name, e.Table)
	}
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// ResultTooLargeError rejects a statement whose estimated result is too wide
// or too long.
type ResultTooLargeError struct {
	Reason   string
	Estimate int64
	Limit    int64
}

func (e *ResultTooLargeError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("result too large: %s (estimated %d rows, limit %d)", e.Reason, e.Estimate, e.Limit)
	}
	return "result too large: " + e.Reason
}

// Verdict is the outcome of validating one statement. Statement is always the
// exact input; approved statements are never rewritten.
type Verdict struct {
	Approved  bool   `json:"approved"`
	Statement string `json:"statement"`
	Reason    string `json:"reason,omitempty"`
	Err       error  `json:"-"`
}

// Covers reports whether v approves exactly stmt.
func (v Verdict) Covers(stmt string) bool {
	return v.Approved && v.Statement == stmt
}

func approve(stmt string) Verdict {
	return Verdict{Approved: true, Statement: stmt}
}

func reject(stmt string, err error) Verdict {
	return Verdict{Statement: stmt, Reason: err.Error(), Err: err}
}

type verdictKey struct{}

// WithVerdict attaches a verdict to ctx for a single dispatch.
func WithVerdict(ctx context.Context, v Verdict) context.Context {
	return context.WithValue(ctx, verdictKey{}, v)
}

// VerdictFrom extracts the verdict attached by WithVerdict.
func VerdictFrom(ctx context.Context) (Verdict, bool) {
	v, ok := ctx.Value(verdictKey{}).(Verdict)
	return v, ok
}
