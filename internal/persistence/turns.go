package persistence

import (
	"context"
	"fmt"
	"time"
)

// TurnRecord is the ledger row for one finished turn. It carries counts
// and outcome only; questions, SQL and answers are not persisted.
type TurnRecord struct {
	TurnID      string    `json:"turn_id"`
	TraceID     string    `json:"trace_id"`
	Status      string    `json:"status"`
	FailureKind string    `json:"failure_kind,omitempty"`
	Iterations  int       `json:"iterations"`
	ToolCalls   int       `json:"tool_calls"`
	Rejections  int       `json:"rejections"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// TurnStats aggregates the ledger.
type TurnStats struct {
	Done          int64 `json:"done"`
	Failed        int64 `json:"failed"`
	ToolCalls     int64 `json:"tool_calls"`
	Rejections    int64 `json:"rejections"`
	AvgDurationMS int64 `json:"avg_duration_ms"`
}

func (s *Store) RecordTurn(ctx context.Context, rec TurnRecord) error {
	if rec.TurnID == "" {
		return fmt.Errorf("record turn: turn id required")
	}
	if rec.Status != "DONE" && rec.Status != "FAILED" {
		return fmt.Errorf("record turn: invalid status %q", rec.Status)
	}
	if rec.DurationMS == 0 && !rec.FinishedAt.IsZero() {
		rec.DurationMS = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO turns (turn_id, trace_id, status, failure_kind, iterations, tool_calls, rejections, started_at, finished_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(turn_id) DO UPDATE SET
				status = excluded.status,
				failure_kind = excluded.failure_kind,
				iterations = excluded.iterations,
				tool_calls = excluded.tool_calls,
				rejections = excluded.rejections,
				finished_at = excluded.finished_at,
				duration_ms = excluded.duration_ms;
		`, rec.TurnID, rec.TraceID, rec.Status, rec.FailureKind, rec.Iterations, rec.ToolCalls, rec.Rejections,
			rec.StartedAt.UTC(), rec.FinishedAt.UTC(), rec.DurationMS)
		return err
	})
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// ListTurns returns the most recent turns first.
func (s *Store) ListTurns(ctx context.Context, limit int) ([]TurnRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, trace_id, status, failure_kind, iterations, tool_calls, rejections, started_at, finished_at, duration_ms
		FROM turns
		ORDER BY finished_at DESC, turn_id
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.TurnID, &r.TraceID, &r.Status, &r.FailureKind, &r.Iterations, &r.ToolCalls,
			&r.Rejections, &r.StartedAt, &r.FinishedAt, &r.DurationMS); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("turns rows: %w", err)
	}
	return out, nil
}

func (s *Store) TurnStats(ctx context.Context) (TurnStats, error) {
	var st TurnStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'DONE' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tool_calls), 0),
			COALESCE(SUM(rejections), 0),
			COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0)
		FROM turns;
	`)
	if err := row.Scan(&st.Done, &st.Failed, &st.ToolCalls, &st.Rejections, &st.AvgDurationMS); err != nil {
		return st, fmt.Errorf("turn stats: %w", err)
	}
	return st, nil
}

// AuditEntry is one audit_log row.
type AuditEntry struct {
	ID            int64  `json:"id"`
	TurnID        string `json:"turn_id,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Action        string `json:"action"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// AuditForTurn lists the gate decisions recorded during one turn, oldest first.
func (s *Store) AuditForTurn(ctx context.Context, turnID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, subject, action, decision, reason, policy_version
		FROM audit_log
		WHERE turn_id = ?
		ORDER BY id;
	`, turnID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.TurnID, &e.Subject, &e.Action, &e.Decision, &e.Reason, &e.PolicyVersion); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
