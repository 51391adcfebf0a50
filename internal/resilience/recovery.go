package resilience

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Built-in recovery strategy names.
const (
	RecoveryTimeoutExtension  = "timeout-extension"
	RecoveryRateLimitBackoff  = "rate-limit-backoff"
	RecoveryConnectionRefresh = "connection-refresh"
	RecoveryCleanup           = "cleanup"
)

// RecoveryContext is what a strategy sees between two attempts. Options is
// the live per-call copy; changes apply to the remaining attempts.
type RecoveryContext struct {
	TaskID  string
	AgentID string
	Attempt int
	Err     error
	Options *Options
}

// RecoveryStrategy prepares the next attempt after a retryable failure.
type RecoveryStrategy interface {
	Name() string
	Recover(ctx context.Context, rc *RecoveryContext) error
}

// RecoveryFunc adapts a function to RecoveryStrategy.
type RecoveryFunc struct {
	name string
	fn   func(ctx context.Context, rc *RecoveryContext) error
}

// NewRecovery creates a named strategy from fn.
func NewRecovery(name string, fn func(ctx context.Context, rc *RecoveryContext) error) *RecoveryFunc {
	return &RecoveryFunc{name: name, fn: fn}
}

func (r *RecoveryFunc) Name() string { return r.name }

func (r *RecoveryFunc) Recover(ctx context.Context, rc *RecoveryContext) error {
	return r.fn(ctx, rc)
}

func builtinRecoveries() []RecoveryStrategy {
	return []RecoveryStrategy{
		NewRecovery(RecoveryTimeoutExtension, func(ctx context.Context, rc *RecoveryContext) error {
			o := rc.Options
			if o.Timeout <= 0 {
				return nil
			}
			widened := time.Duration(float64(o.Timeout) * 1.5)
			if widened > o.MaxTimeout {
				widened = o.MaxTimeout
			}
			o.Timeout = widened
			return nil
		}),
		NewRecovery(RecoveryRateLimitBackoff, func(ctx context.Context, rc *RecoveryContext) error {
			b := &rc.Options.Backoff
			b.InitialDelay *= 2
			if b.InitialDelay > b.MaxDelay {
				b.InitialDelay = b.MaxDelay
			}
			return nil
		}),
		NewRecovery(RecoveryConnectionRefresh, func(ctx context.Context, rc *RecoveryContext) error {
			if rc.Options.Refresh == nil {
				return nil
			}
			return rc.Options.Refresh(ctx)
		}),
		NewRecovery(RecoveryCleanup, func(ctx context.Context, rc *RecoveryContext) error {
			if rc.Options.Cleanup == nil {
				return nil
			}
			return rc.Options.Cleanup(ctx)
		}),
	}
}

// selectRecovery picks a built-in strategy for err. Empty means none applies.
func selectRecovery(err error, o *Options) string {
	if errors.Is(err, ErrAttemptTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return RecoveryTimeoutExtension
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return RecoveryTimeoutExtension
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return RecoveryRateLimitBackoff
	case matchAny(msg, []string{"connection", "network", "reset", "refused"}):
		return RecoveryConnectionRefresh
	}
	if o.Cleanup != nil {
		return RecoveryCleanup
	}
	return ""
}
