package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCircuitOpen is returned when a worker's breaker rejects a dispatch.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNonRetryable marks a failure that stopped the retry loop early.
	ErrNonRetryable = errors.New("non-retryable error")

	// ErrRetriesExhausted marks a failure after every allowed attempt was used.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrPolicyViolation is returned when the policy validator rejects a dispatch.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrAttemptTimeout is the failure of an attempt whose timer fired.
	ErrAttemptTimeout = errors.New("attempt timed out")
)

// Class is a coarse error taxonomy used for metrics and recovery selection.
type Class int

const (
	// ClassTransient errors are expected to go away on retry.
	ClassTransient Class = iota
	// ClassPermanent errors will fail the same way again.
	ClassPermanent
	// ClassCapacity errors come from an overloaded or guarded worker.
	ClassCapacity
	// ClassStructural errors are rejections before any attempt was made.
	ClassStructural
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCapacity:
		return "capacity"
	case ClassStructural:
		return "structural"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Checked before retryablePatterns, so "invalid connection" is permanent.
var nonRetryablePatterns = []string{
	"authentication",
	"unauthorized",
	"forbidden",
	"permission denied",
	"not found",
	"bad request",
	"invalid",
	"malformed",
	"validation",
}

var retryablePatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"network",
	"connection",
	"reset",
	"refused",
	"unavailable",
	"busy",
	"rate limit",
	"too many requests",
	"temporary",
}

var capacityPatterns = []string{
	"rate limit",
	"too many requests",
	"busy",
	"unavailable",
}

func matchAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// retryableError lets an error decide its own classification.
type retryableError interface {
	Retryable() bool
}

// IsRetryable reports whether err should be retried. Errors implementing
// Retryable() bool decide for themselves; otherwise the message is matched
// against known permanent and transient patterns. Unrecognized errors are
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var re retryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	switch {
	case errors.Is(err, ErrPolicyViolation), errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return true
	}

	msg := strings.ToLower(err.Error())
	if matchAny(msg, nonRetryablePatterns) {
		return false
	}
	return true
}

// ClassOf maps any error onto the taxonomy.
func ClassOf(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Class
	}

	switch {
	case errors.Is(err, ErrPolicyViolation):
		return ClassStructural
	case errors.Is(err, ErrCircuitOpen):
		return ClassCapacity
	case errors.Is(err, ErrAttemptTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case matchAny(msg, nonRetryablePatterns):
		return ClassPermanent
	case matchAny(msg, capacityPatterns):
		return ClassCapacity
	}

	if !IsRetryable(err) {
		return ClassPermanent
	}
	return ClassTransient
}

// OperationError is the final failure of an operation with no fallback.
type OperationError struct {
	TaskID   string
	AgentID  string
	Attempts int
	Class    Class
	Err      error

	// Exhausted is true when every allowed attempt failed; false when a
	// non-retryable error or cancellation stopped the loop early.
	Exhausted bool

	// BreakerOpened is true when the worker's breaker opened mid-loop.
	BreakerOpened bool

	// NonRetryable is true when the classification stopped the loop.
	NonRetryable bool
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("task %s on %s failed after %d attempts: %v", e.TaskID, e.AgentID, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is matches the loop-termination sentinels.
func (e *OperationError) Is(target error) bool {
	switch target {
	case ErrRetriesExhausted:
		return e.Exhausted
	case ErrNonRetryable:
		return e.NonRetryable
	case ErrCircuitOpen:
		return e.BreakerOpened
	}
	return false
}

// CircuitOpenError is returned when a dispatch is rejected by an open breaker.
type CircuitOpenError struct {
	AgentID    string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.AgentID, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Retryable reports false: the caller should not hammer an open breaker.
func (e *CircuitOpenError) Retryable() bool { return false }

// Violation is one rule a dispatch broke.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// PolicyError is returned when the validator rejects a dispatch.
type PolicyError struct {
	AgentID    string
	Action     string
	Violations []Violation
}

func (e *PolicyError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Rule + ": " + v.Message
	}
	return fmt.Sprintf("action %q on %s rejected: %s", e.Action, e.AgentID, strings.Join(msgs, "; "))
}

func (e *PolicyError) Unwrap() error { return ErrPolicyViolation }

// Retryable reports false.
func (e *PolicyError) Retryable() bool { return false }

// FallbackError is returned when the registered fallback also failed.
type FallbackError struct {
	AgentID  string
	Original error
	Err      error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("fallback for %s failed: %v (original error: %v)", e.AgentID, e.Err, e.Original)
}

func (e *FallbackError) Unwrap() error { return e.Err }

// AttemptsOf returns the attempt count carried by an Execute error, looking
// through a failed fallback to the error it replaced. Other errors report 0.
func AttemptsOf(err error) int {
	var fbErr *FallbackError
	if errors.As(err, &fbErr) {
		err = fbErr.Original
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Attempts
	}
	return 0
}

// patternOf names the first known pattern in err's message, for the per-worker
// error histograms. Unmatched errors are "other".
func patternOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return "timeout"
	}
	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryablePatterns {
		if strings.Contains(msg, p) {
			return p
		}
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return p
		}
	}
	return "other"
}
