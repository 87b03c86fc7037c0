package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass categorizes oracle errors so callers know whether and how to retry.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ErrNoAPIKey is returned by an oracle that was built without credentials.
var ErrNoAPIKey = errors.New("no API key configured for the LLM provider")

// ClassifyError inspects the error message for known patterns and returns
// the most specific ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, ErrNoAPIKey) {
		return ErrorClassAuth
	}
	msg := strings.ToLower(err.Error())

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	return ErrorClassUnknown
}

// RetryHint is the operator-facing advice for a class.
func RetryHint(class ErrorClass) string {
	switch class {
	case ErrorClassRateLimit:
		return "retry after backoff"
	case ErrorClassTimeout:
		return "retry, possibly with a longer deadline"
	case ErrorClassAuth:
		return "check API key"
	case ErrorClassBilling:
		return "check account"
	case ErrorClassContextOverflow:
		return "shorten the request"
	default:
		return "retry later"
	}
}

// UpstreamError is an oracle failure the loop does not recover from. The
// loop never retries; RetryHint tells the caller what might.
type UpstreamError struct {
	Class     ErrorClass
	RetryHint string
	Err       error
}

// NewUpstreamError classifies err.
func NewUpstreamError(err error) *UpstreamError {
	class := ClassifyError(err)
	return &UpstreamError{Class: class, RetryHint: RetryHint(class), Err: err}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("oracle unavailable [%s]: %v (%s)", e.Class, e.Err, e.RetryHint)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// MalformedActionError means the oracle replied but its reply was not a
// usable action. The loop feeds it back as an observation.
type MalformedActionError struct {
	Reason string
	Raw    string
}

func (e *MalformedActionError) Error() string {
	return "malformed action: " + e.Reason
}

// IterationLimitExceeded ends a turn that used every iteration without an answer.
type IterationLimitExceeded struct {
	Limit int
}

func (e *IterationLimitExceeded) Error() string {
	return fmt.Sprintf("iteration limit exceeded: no answer after %d iterations", e.Limit)
}

// DeadlineExceeded ends a turn that ran past its wall-clock deadline.
type DeadlineExceeded struct {
	Deadline time.Duration
}

func (e *DeadlineExceeded) Error() string {
	return fmt.Sprintf("turn deadline exceeded after %s", e.Deadline)
}

// Is lets errors.Is(err, context.DeadlineExceeded) match.
func (e *DeadlineExceeded) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// FailureKind names a turn failure for the ledger, metrics and API.
func FailureKind(err error) string {
	var (
		iter *IterationLimitExceeded
		dl   *DeadlineExceeded
		up   *UpstreamError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &iter):
		return "iteration_limit_exceeded"
	case errors.As(err, &dl):
		return "deadline_exceeded"
	case errors.As(err, &up):
		return "upstream_" + strings.ToLower(string(up.Class))
	default:
		return "canceled"
	}
}
