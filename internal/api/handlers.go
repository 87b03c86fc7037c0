package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/basket/sdoh-analyst/internal/audit"
	"github.com/basket/sdoh-analyst/internal/engine"
	"github.com/basket/sdoh-analyst/internal/persistence"
	"github.com/basket/sdoh-analyst/internal/safety"
)

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question string `json:"question" validate:"required,max=4000"`
	// Transcript asks for the full transcript in the response.
	Transcript bool `json:"transcript"`
}

// AskResponse is a turn result in wire form.
type AskResponse struct {
	TurnID      string         `json:"turn_id"`
	TraceID     string         `json:"trace_id"`
	Status      string         `json:"status"`
	Answer      string         `json:"answer,omitempty"`
	Payload     any            `json:"payload,omitempty"`
	Iterations  int            `json:"iterations"`
	ToolCalls   int            `json:"tool_calls"`
	Rejections  int            `json:"rejections"`
	DurationMS  int64          `json:"duration_ms"`
	FailureKind string         `json:"failure_kind,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryHint   string         `json:"retry_hint,omitempty"`
	Transcript  []engine.Entry `json:"transcript,omitempty"`
}

// NewAskResponse renders res in wire form.
func NewAskResponse(res *engine.TurnResult, withTranscript bool) AskResponse {
	out := AskResponse{
		TurnID:      res.TurnID,
		TraceID:     res.TraceID,
		Status:      res.Status,
		Answer:      res.Answer,
		Payload:     res.Payload,
		Iterations:  res.Iterations,
		ToolCalls:   res.ToolCalls,
		Rejections:  res.Rejections,
		DurationMS:  res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		FailureKind: res.FailureKind(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		var up *engine.UpstreamError
		if errors.As(res.Err, &up) {
			out.RetryHint = up.RetryHint
		}
	}
	if withTranscript {
		out.Transcript = res.Transcript
	}
	return out
}

// httpStatusFor maps a turn outcome to a status code. Failures the caller
// can act on keep 200; only upstream and deadline failures are gateway
// errors.
func httpStatusFor(res *engine.TurnResult) int {
	var up *engine.UpstreamError
	switch {
	case res.Err == nil:
		return http.StatusOK
	case errors.As(res.Err, &up):
		if up.Class == engine.ErrorClassRateLimit {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	case errors.Is(res.Err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusOK
	}
}

// TurnRecordOf is the ledger row for a finished turn.
func TurnRecordOf(res *engine.TurnResult) persistence.TurnRecord {
	return persistence.TurnRecord{
		TurnID:      res.TurnID,
		TraceID:     res.TraceID,
		Status:      res.Status,
		FailureKind: res.FailureKind(),
		Iterations:  res.Iterations,
		ToolCalls:   res.ToolCalls,
		Rejections:  res.Rejections,
		StartedAt:   res.StartedAt,
		FinishedAt:  res.FinishedAt,
	}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	screen := safety.ScreenQuestion(req.Question)
	switch screen.Action {
	case safety.Block:
		audit.Record(r.Context(), audit.Deny, "question.screen", screen.Reason, s.policyVersion(), "")
		writeError(w, http.StatusBadRequest, screen.Err().Error())
		return
	case safety.Warn:
		s.logger.Warn("suspicious question", "reason", screen.Reason)
	}

	res := s.cfg.Runner.Run(r.Context(), engine.Request{Question: req.Question})
	s.metrics.observe(res)
	if s.cfg.Ledger != nil {
		// The ledger write must not be lost to a client disconnect.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		if err := s.cfg.Ledger.RecordTurn(ctx, TurnRecordOf(res)); err != nil {
			s.logger.Error("record turn failed", "turn_id", res.TurnID, "error", err)
		}
		cancel()
	}
	writeJSON(w, httpStatusFor(res), NewAskResponse(res, req.Transcript))
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.cfg.Registry.Version(),
		"tools":   s.cfg.Registry.List(),
	})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "turn ledger not configured")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	turns, err := s.cfg.Ledger.ListTurns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list turns failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list turns failed")
		return
	}
	if turns == nil {
		turns = []persistence.TurnRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleTurnStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "turn ledger not configured")
		return
	}
	stats, err := s.cfg.Ledger.TurnStats(r.Context())
	if err != nil {
		s.logger.Error("turn stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "turn stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTurnAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "turn ledger not configured")
		return
	}
	turnID := chi.URLParam(r, "turnID")
	entries, err := s.cfg.Ledger.AuditForTurn(r.Context(), turnID)
	if err != nil {
		s.logger.Error("audit lookup failed", "turn_id", turnID, "error", err)
		writeError(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no audit entries for turn")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turn_id": turnID, "entries": entries})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Ledger != nil {
		if _, err := s.cfg.Ledger.TurnStats(r.Context()); err != nil {
			dbOK = false
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":          dbOK,
		"db_ok":            dbOK,
		"policy_version":   s.policyVersion(),
		"tools":            len(s.cfg.Registry.Names()),
		"registry_version": s.cfg.Registry.Version(),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) policyVersion() string {
	if s.cfg.Policy == nil {
		return ""
	}
	return s.cfg.Policy.PolicyVersion()
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+": "+fe.Tag())
	}
	return "invalid request: " + strings.Join(msgs, ", ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
