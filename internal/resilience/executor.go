// Package resilience wraps worker dispatches with retry, backoff, per-worker
// circuit breaking, recovery strategies and fallbacks.
//
// An Executor owns all of its state: breaker table, in-flight retry states
// and statistics. Two executors never share breakers.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/conductor/internal/events"
	"github.com/aixgo-dev/conductor/internal/observability"
)

// HistoryDocType is the context document type holding a worker's error history.
const HistoryDocType = "error-history"

// HistoryStore persists error history. *contextstore.Store satisfies it.
type HistoryStore interface {
	Save(ctx context.Context, owner, docType string, data any) error
	Load(ctx context.Context, owner, docType string, out any) (bool, error)
}

// Validator checks a dispatch against resource/action policy. A non-empty
// result rejects the dispatch.
type Validator interface {
	Validate(ctx context.Context, agentID, action string, resources map[string]any) []Violation
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, agentID, action string, resources map[string]any) []Violation

func (f ValidatorFunc) Validate(ctx context.Context, agentID, action string, resources map[string]any) []Violation {
	return f(ctx, agentID, action, resources)
}

// Outcome is a successful execution.
type Outcome struct {
	Value    any
	Attempts int
	// Fallback is true when Value came from the worker's fallback handler.
	Fallback bool
	Duration time.Duration
}

// Executor runs operations with the fault-tolerance policy.
type Executor struct {
	cfg       Config
	bus       *events.Bus
	logger    *slog.Logger
	validator Validator
	history   HistoryStore
	limiter   *workerLimiter
	random    func() float64
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	breakers *BreakerTable
	stats    *statsTable

	mu         sync.RWMutex
	fallbacks  map[string]Fallback
	recoveries map[string]RecoveryStrategy
	probes     map[string]HealthProbe

	cronMu   sync.Mutex
	cron     *cron.Cron
	cronDone chan struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithEventBus sets the bus lifecycle events are emitted on.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Executor) {
		e.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithValidator installs a policy validator consulted before every dispatch.
func WithValidator(v Validator) Option {
	return func(e *Executor) {
		e.validator = v
	}
}

// WithHistoryStore persists the retry history of finally-failed tasks.
func WithHistoryStore(store HistoryStore) Option {
	return func(e *Executor) {
		e.history = store
	}
}

// WithRateLimit limits every worker to rps attempts per second with the
// given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Executor) {
		if rps > 0 {
			e.limiter = newWorkerLimiter(rps, burst)
		}
	}
}

// WithRandom sets the jitter source, which must return values in [0,1).
func WithRandom(fn func() float64) Option {
	return func(e *Executor) {
		if fn != nil {
			e.random = fn
		}
	}
}

// WithSleeper replaces the backoff sleep, for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if fn != nil {
			e.sleep = fn
		}
	}
}

// WithClock replaces the time source used by breakers and history.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an executor. Start from DefaultConfig and override fields.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	cfg.Breaker = cfg.Breaker.withDefaults()
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	e := &Executor{
		cfg:        cfg,
		logger:     slog.Default(),
		random:     rand.Float64,
		sleep:      sleepContext,
		now:        time.Now,
		stats:      newStatsTable(),
		fallbacks:  make(map[string]Fallback),
		recoveries: make(map[string]RecoveryStrategy),
		probes:     make(map[string]HealthProbe),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = NewBreakerTable(cfg.Breaker, e.now)

	for _, r := range builtinRecoveries() {
		e.recoveries[r.Name()] = r
	}
	return e
}

// Config returns the resolved executor configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// RegisterFallback installs the fallback for a worker, replacing any previous one.
func (e *Executor) RegisterFallback(agentID string, fb Fallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fb == nil {
		delete(e.fallbacks, agentID)
		return
	}
	e.fallbacks[agentID] = fb
}

// RegisterRecovery installs a recovery strategy under its name.
func (e *Executor) RegisterRecovery(strategy RecoveryStrategy) error {
	if strategy == nil || strategy.Name() == "" {
		return fmt.Errorf("recovery strategy must have a name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recoveries[strategy.Name()] = strategy
	return nil
}

func (e *Executor) fallback(agentID string) Fallback {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fallbacks[agentID]
}

func (e *Executor) recovery(name string) RecoveryStrategy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recoveries[name]
}

func (e *Executor) emit(ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.bus.Emit(ev)
}

// Execute runs op for taskID on agentID under the retry policy. opts may be
// nil to use the executor defaults.
func (e *Executor) Execute(ctx context.Context, taskID, agentID string, op Operation, opts *Options) (*Outcome, error) {
	o := e.cfg.resolve(opts)
	start := e.now()

	ctx, span := observability.StartSpan(ctx, "resilience.execute",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
			attribute.Int("retry.max", o.MaxRetries),
		),
	)
	defer span.End()

	adm := e.breakers.Allow(agentID)
	if !adm.Allowed {
		e.stats.recordRejection()
		err := &CircuitOpenError{AgentID: agentID, OpenedAt: adm.OpenedAt, RetryAfter: adm.RetryAfter}
		span.RecordError(err)
		span.SetStatus(codes.Error, "circuit open")
		return nil, err
	}

	if e.validator != nil {
		if violations := e.validator.Validate(ctx, agentID, o.Action, o.Resources); len(violations) > 0 {
			e.breakers.Release(agentID)
			e.stats.finish(taskID, 0, false)
			err := &PolicyError{AgentID: agentID, Action: o.Action, Violations: violations}
			e.emit(events.Event{
				Name: events.OperationFailed, TaskID: taskID, AgentID: agentID, Err: err,
				Fields: map[string]any{"class": ClassStructural.String()},
			})
			span.RecordError(err)
			span.SetStatus(codes.Error, "policy violation")
			return nil, err
		}
	}

	var (
		lastErr       error
		attempts      int
		breakerOpened bool
		nonRetryable  bool
	)
	maxAttempts := o.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if adm := e.breakers.Allow(agentID); !adm.Allowed {
				breakerOpened = true
				break
			}
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, agentID); err != nil {
				e.breakers.Release(agentID)
				return nil, e.abandon(ctx, span, taskID, agentID, attempts, err)
			}
		}

		attempts = attempt
		e.emit(events.Event{Name: events.RetryAttempt, TaskID: taskID, AgentID: agentID, Attempt: attempt})

		value, err := e.runAttempt(ctx, op, o.Timeout)
		if err == nil {
			if e.breakers.RecordSuccess(agentID) {
				e.emit(events.Event{
					Name: events.BreakerReset, AgentID: agentID,
					Fields: map[string]any{"reason": "half-open-success"},
				})
			}
			e.stats.finish(taskID, attempt, true)
			d := e.now().Sub(start)
			e.emit(events.Event{
				Name: events.OperationSuccess, TaskID: taskID, AgentID: agentID, Attempt: attempt,
				Fields: map[string]any{"duration": d},
			})
			span.SetAttributes(attribute.Int("retry.attempts", attempt))
			return &Outcome{Value: value, Attempts: attempt, Duration: d}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			e.breakers.Release(agentID)
			return nil, e.abandon(ctx, span, taskID, agentID, attempts, ctx.Err())
		}

		e.stats.recordAttemptFailure(taskID, agentID, attempt, err, e.now())
		if e.breakers.RecordFailure(agentID) {
			st := e.breakers.Status(agentID)
			e.emit(events.Event{
				Name: events.BreakerOpened, TaskID: taskID, AgentID: agentID, Err: err,
				Fields: map[string]any{"errors": st.ErrorCount, "threshold": e.cfg.Breaker.Threshold},
			})
			e.logger.Warn("circuit breaker opened", "agent_id", agentID, "errors", st.ErrorCount)
		}

		retryable := IsRetryable(err)
		if o.RetryIf != nil {
			retryable = o.RetryIf(err)
		}
		if !retryable {
			nonRetryable = true
			break
		}
		if attempt == maxAttempts {
			break
		}

		e.applyRecovery(ctx, taskID, agentID, attempt, err, &o)

		delay := o.Backoff.Delay(attempt, e.random())
		e.logger.Debug("retrying after backoff", "task_id", taskID, "agent_id", agentID,
			"attempt", attempt, "delay", delay, "error", err)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, e.abandon(ctx, span, taskID, agentID, attempts, err)
		}
	}

	state := e.stats.finish(taskID, attempts, false)
	e.persistHistory(ctx, agentID, state)

	opErr := &OperationError{
		TaskID:        taskID,
		AgentID:       agentID,
		Attempts:      attempts,
		Class:         ClassOf(lastErr),
		Err:           lastErr,
		Exhausted:     !nonRetryable,
		BreakerOpened: breakerOpened,
		NonRetryable:  nonRetryable,
	}
	span.RecordError(lastErr)

	if fb := e.fallback(agentID); fb != nil {
		value, err := fb(ctx, taskID, lastErr)
		d := e.now().Sub(start)
		if err == nil {
			e.stats.recordFallback(true)
			e.emit(events.Event{Name: events.FallbackSuccess, TaskID: taskID, AgentID: agentID, Attempt: attempts})
			span.SetAttributes(attribute.Bool("fallback", true))
			return &Outcome{Value: value, Attempts: attempts, Fallback: true, Duration: d}, nil
		}
		e.stats.recordFallback(false)
		e.emit(events.Event{Name: events.FallbackFailed, TaskID: taskID, AgentID: agentID, Attempt: attempts, Err: err})
		span.SetStatus(codes.Error, "fallback failed")
		return nil, &FallbackError{AgentID: agentID, Original: opErr, Err: err}
	}

	e.emit(events.Event{
		Name: events.OperationFailed, TaskID: taskID, AgentID: agentID, Attempt: attempts, Err: lastErr,
		Fields: map[string]any{"class": opErr.Class.String(), "breaker_opened": breakerOpened},
	})
	span.SetStatus(codes.Error, opErr.Class.String())
	return nil, opErr
}

// abandon ends an execution the caller gave up on. No fallback runs.
func (e *Executor) abandon(ctx context.Context, span trace.Span, taskID, agentID string, attempts int, cause error) error {
	e.stats.finish(taskID, attempts, false)
	err := &OperationError{
		TaskID:   taskID,
		AgentID:  agentID,
		Attempts: attempts,
		Class:    ClassOf(cause),
		Err:      cause,
	}
	e.emit(events.Event{
		Name: events.OperationFailed, TaskID: taskID, AgentID: agentID, Attempt: attempts, Err: cause,
		Fields: map[string]any{"canceled": true},
	})
	span.RecordError(cause)
	span.SetStatus(codes.Error, "canceled")
	return err
}

// runAttempt calls op, bounded by timeout when positive. The attempt fails
// with ErrAttemptTimeout as soon as the timer fires; a late result is dropped.
func (e *Executor) runAttempt(ctx context.Context, op Operation, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		return safeCall(ctx, op)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultChan := make(chan result, 1)
	go func() {
		v, err := safeCall(attemptCtx, op)
		resultChan <- result{v, err}
	}()

	select {
	case r := <-resultChan:
		if r.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
		}
		return r.value, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", ErrAttemptTimeout, timeout)
	}
}

func safeCall(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("operation panicked: %v", p)
		}
	}()
	return op(ctx)
}

func (e *Executor) applyRecovery(ctx context.Context, taskID, agentID string, attempt int, cause error, o *Options) {
	name := o.Recovery
	if name == "" {
		name = selectRecovery(cause, o)
	}
	if name == "" {
		return
	}

	strategy := e.recovery(name)
	if strategy == nil {
		e.logger.Warn("unknown recovery strategy", "strategy", name, "agent_id", agentID)
		return
	}

	rc := &RecoveryContext{TaskID: taskID, AgentID: agentID, Attempt: attempt, Err: cause, Options: o}
	err := strategy.Recover(ctx, rc)
	if err != nil {
		e.logger.Warn("recovery strategy failed", "strategy", name, "task_id", taskID, "agent_id", agentID, "error", err)
	}
	e.emit(events.Event{
		Name: events.RecoveryApplied, TaskID: taskID, AgentID: agentID, Attempt: attempt, Err: err,
		Fields: map[string]any{"strategy": name},
	})
}

func (e *Executor) persistHistory(ctx context.Context, agentID string, state *RetryState) {
	if e.history == nil || state == nil || len(state.History) == 0 {
		return
	}

	var entries []RetryEntry
	if _, err := e.history.Load(ctx, agentID, HistoryDocType, &entries); err != nil {
		e.logger.Warn("load error history failed", "agent_id", agentID, "error", err)
		return
	}
	entries = append(entries, state.History...)
	if len(entries) > e.cfg.HistoryLimit {
		entries = entries[len(entries)-e.cfg.HistoryLimit:]
	}
	if err := e.history.Save(ctx, agentID, HistoryDocType, entries); err != nil {
		e.logger.Warn("save error history failed", "agent_id", agentID, "error", err)
	}
}

// ErrorHistory returns the persisted error history of a worker.
func (e *Executor) ErrorHistory(ctx context.Context, agentID string) ([]RetryEntry, error) {
	if e.history == nil {
		return nil, nil
	}
	var entries []RetryEntry
	if _, err := e.history.Load(ctx, agentID, HistoryDocType, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// RetryStats returns a snapshot of the executor statistics.
func (e *Executor) RetryStats() RetryStats {
	return e.stats.snapshot()
}

// RetryState returns the in-progress retry state of a task.
func (e *Executor) RetryState(taskID string) (*RetryState, bool) {
	return e.stats.state(taskID)
}

// CircuitStatus returns the breaker snapshot of one worker.
func (e *Executor) CircuitStatus(agentID string) CircuitStatus {
	return e.breakers.Status(agentID)
}

// CircuitStatuses returns snapshots of every worker with recorded failures.
func (e *Executor) CircuitStatuses() []CircuitStatus {
	return e.breakers.Statuses()
}

// ResetCircuit closes a worker's breaker manually.
func (e *Executor) ResetCircuit(agentID string) bool {
	if !e.breakers.Reset(agentID) {
		return false
	}
	e.emit(events.Event{Name: events.BreakerReset, AgentID: agentID, Fields: map[string]any{"reason": "manual"}})
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
