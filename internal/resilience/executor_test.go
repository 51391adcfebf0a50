package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/internal/events"
	"github.com/aixgo-dev/conductor/pkg/contextstore"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	exec     *Executor
	recorder *events.Recorder
	sleeper  *sleepRecorder
	clock    *fakeClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec.Handle)

	h := &harness{recorder: rec, sleeper: &sleepRecorder{}, clock: newFakeClock()}
	base := []Option{
		WithEventBus(bus),
		WithSleeper(h.sleeper.Sleep),
		WithRandom(func() float64 { return 0 }),
		WithClock(h.clock.Now),
	}
	h.exec = New(cfg, append(base, opts...)...)
	return h
}

// failing returns an operation that fails the first n calls with err.
func failing(n int, err error, value any) (Operation, *int32) {
	var calls int32
	return func(ctx context.Context) (any, error) {
		c := atomic.AddInt32(&calls, 1)
		if int(c) <= n {
			return nil, err
		}
		return value, nil
	}, &calls
}

func TestExecute_SuccessFirstAttempt(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op, calls := failing(0, nil, "done")

	out, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", out.Value)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Fallback)
	assert.Equal(t, int32(1), *calls)
	assert.Empty(t, h.sleeper.Delays())

	assert.Equal(t, 1, h.recorder.Count(events.RetryAttempt))
	assert.Equal(t, 1, h.recorder.Count(events.OperationSuccess))

	_, active := h.exec.RetryState("t1")
	assert.False(t, active)
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op, calls := failing(2, errors.New("connection reset by peer"), 42)

	out, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), *calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.Delays())

	stats := h.exec.RetryStats()
	assert.Equal(t, int64(1), stats.TotalOperations)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, int64(3), stats.TotalAttempts)
	assert.Equal(t, 3.0, stats.AverageAttempts)
	assert.Equal(t, 2, stats.ErrorPatterns["a1"]["connection"])
	assert.Equal(t, 0, stats.ActiveRetryStates)
}

func TestExecute_ExhaustsAfterMaxRetriesPlusOne(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op, calls := failing(100, errors.New("network timeout"), nil)

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.Error(t, err)
	assert.Equal(t, int32(4), *calls)

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, 4, opErr.Attempts)
	assert.Equal(t, ClassTransient, opErr.Class)
	assert.Contains(t, err.Error(), "failed after 4 attempts: network timeout")
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	assert.Len(t, h.sleeper.Delays(), 3)
	assert.Equal(t, 1, h.recorder.Count(events.OperationFailed))
}

func TestExecute_FallbackAfterExhaustion(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var gotErr error
	h.exec.RegisterFallback("a1", func(ctx context.Context, taskID string, err error) (any, error) {
		gotErr = err
		return "cached answer", nil
	})
	op, calls := failing(100, errors.New("network timeout"), nil)

	out, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(4), *calls)
	assert.Equal(t, "cached answer", out.Value)
	assert.True(t, out.Fallback)
	assert.Equal(t, 4, out.Attempts)
	assert.EqualError(t, gotErr, "network timeout")
	assert.Equal(t, 1, h.recorder.Count(events.FallbackSuccess))
	assert.Equal(t, 0, h.recorder.Count(events.OperationFailed))
}

func TestExecute_FallbackFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.exec.RegisterFallback("a1", func(ctx context.Context, taskID string, err error) (any, error) {
		return nil, errors.New("cache empty")
	})
	op, _ := failing(100, errors.New("unavailable"), nil)

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, &Options{MaxRetries: 1})
	var fbErr *FallbackError
	require.True(t, errors.As(err, &fbErr))
	assert.EqualError(t, fbErr.Err, "cache empty")
	assert.ErrorIs(t, fbErr.Original, ErrRetriesExhausted)
	assert.Equal(t, 1, h.recorder.Count(events.FallbackFailed))
	assert.Equal(t, int64(1), h.exec.RetryStats().FallbackFailures)
}

func TestExecute_NonRetryableStopsImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op, calls := failing(100, errors.New("401 unauthorized"), nil)

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), *calls)
	assert.ErrorIs(t, err, ErrNonRetryable)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Empty(t, h.sleeper.Delays())
}

func TestExecute_RetryIfOverridesClassification(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op, calls := failing(100, errors.New("network timeout"), nil)

	opts := DefaultConfig().DefaultOptions()
	opts.RetryIf = func(error) bool { return false }
	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, &opts)
	require.Error(t, err)
	assert.Equal(t, int32(1), *calls)
	assert.ErrorIs(t, err, ErrNonRetryable)
}

func TestExecute_CircuitOpenRejectsWithoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Threshold = 2
	h := newHarness(t, cfg)

	fallbackCalls := 0
	h.exec.RegisterFallback("a1", func(ctx context.Context, taskID string, err error) (any, error) {
		fallbackCalls++
		return "fb", nil
	})

	op, calls := failing(100, errors.New("connection refused"), nil)
	out, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.NoError(t, err, "breaker opening mid-loop counts as exhaustion")
	assert.True(t, out.Fallback)
	assert.Equal(t, int32(2), *calls)
	assert.Equal(t, 1, h.recorder.Count(events.BreakerOpened))
	assert.Equal(t, StateOpen, h.exec.CircuitStatus("a1").State)

	_, err = h.exec.Execute(context.Background(), "t2", "a1", op, nil)
	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), *calls, "no attempt while open")
	assert.Equal(t, 1, fallbackCalls, "entry rejection does not use the fallback")
	assert.Equal(t, int64(1), h.exec.RetryStats().CircuitRejections)
}

func TestExecute_BreakerOpenMidLoopWithoutFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Threshold = 2
	h := newHarness(t, cfg)
	op, _ := failing(100, errors.New("connection refused"), nil)

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.True(t, opErr.BreakerOpened)
	assert.Equal(t, 2, opErr.Attempts)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecute_HalfOpenProbe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Threshold = 1
	cfg.Breaker.OpenTimeout = time.Minute
	h := newHarness(t, cfg)

	bad, _ := failing(100, errors.New("connection refused"), nil)
	_, err := h.exec.Execute(context.Background(), "t1", "a1", bad, &Options{})
	require.Error(t, err)
	require.Equal(t, StateOpen, h.exec.CircuitStatus("a1").State)

	h.clock.Advance(time.Minute)
	good, _ := failing(0, nil, "ok")
	out, err := h.exec.Execute(context.Background(), "t2", "a1", good, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
	assert.Equal(t, StateClosed, h.exec.CircuitStatus("a1").State)
	assert.Equal(t, 1, h.recorder.Count(events.BreakerReset))
}

func TestExecute_AttemptTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	release := make(chan struct{})
	defer close(release)
	var calls int32
	op := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
			return "late", nil
		}
		return "fast", nil
	}

	opts := &Options{MaxRetries: 1, Timeout: 20 * time.Millisecond}
	out, err := h.exec.Execute(context.Background(), "t1", "a1", op, opts)
	require.NoError(t, err)
	assert.Equal(t, "fast", out.Value)
	assert.Equal(t, 2, out.Attempts)
}

func TestExecute_AttemptTimeoutIsRetryableFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, &Options{MaxRetries: 2, Timeout: 5 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}

func TestExecute_TimeoutExtensionRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var seen []time.Duration
	var mu sync.Mutex
	op := func(ctx context.Context) (any, error) {
		deadline, _ := ctx.Deadline()
		mu.Lock()
		seen = append(seen, time.Until(deadline).Round(10*time.Millisecond))
		mu.Unlock()
		return nil, errors.New("upstream timeout")
	}
	opts := &Options{MaxRetries: 2, Timeout: 100 * time.Millisecond, MaxTimeout: 200 * time.Millisecond}
	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, opts)
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.InDelta(t, float64(100*time.Millisecond), float64(seen[0]), float64(20*time.Millisecond))
	assert.InDelta(t, float64(150*time.Millisecond), float64(seen[1]), float64(20*time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(seen[2]), float64(20*time.Millisecond))
	assert.Equal(t, 2, h.recorder.Count(events.RecoveryApplied))
}

func TestExecute_RateLimitBackoffRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op, _ := failing(2, errors.New("429 too many requests"), "ok")

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.NoError(t, err)
	// initial delay doubles before each backoff computation
	assert.Equal(t, []time.Duration{2 * time.Second, 8 * time.Second}, h.sleeper.Delays())
}

func TestExecute_ConnectionRefreshAndCleanupHooks(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	refreshed, cleaned := 0, 0
	opts := DefaultConfig().DefaultOptions()
	opts.Refresh = func(ctx context.Context) error { refreshed++; return nil }
	opts.Cleanup = func(ctx context.Context) error { cleaned++; return nil }

	op, _ := failing(1, errors.New("connection reset"), "ok")
	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, &opts)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 0, cleaned)

	op, _ = failing(1, errors.New("scratch dir full"), "ok")
	_, err = h.exec.Execute(context.Background(), "t2", "a1", op, &opts)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
}

func TestExecute_CustomRecovery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	var got *RecoveryContext
	require.NoError(t, h.exec.RegisterRecovery(NewRecovery("swap-model", func(ctx context.Context, rc *RecoveryContext) error {
		got = rc
		rc.Options.Resources["model"] = "small"
		return nil
	})))
	assert.Error(t, h.exec.RegisterRecovery(NewRecovery("", nil)))

	var models []any
	opts := &Options{MaxRetries: 1, Recovery: "swap-model", Resources: map[string]any{"model": "large"}}
	var calls int
	op := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("busy")
		}
		return "ok", nil
	}
	h.exec.validator = ValidatorFunc(func(ctx context.Context, agentID, action string, resources map[string]any) []Violation {
		models = append(models, resources["model"])
		return nil
	})

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, opts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "large", opts.Resources["model"], "caller options are not mutated")
	assert.Equal(t, []any{"large"}, models)
}

func TestExecute_PolicyViolation(t *testing.T) {
	validator := ValidatorFunc(func(ctx context.Context, agentID, action string, resources map[string]any) []Violation {
		if action == "delete" {
			return []Violation{{Rule: "no-delete", Message: "deletes are not allowed"}}
		}
		return nil
	})
	h := newHarness(t, DefaultConfig(), WithValidator(validator))
	op, calls := failing(0, nil, "ok")

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, &Options{Action: "delete"})
	var policyErr *PolicyError
	require.True(t, errors.As(err, &policyErr))
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.Equal(t, int32(0), *calls)
	assert.Equal(t, StateClosed, h.exec.CircuitStatus("a1").State)

	_, err = h.exec.Execute(context.Background(), "t2", "a1", op, &Options{Action: "read"})
	assert.NoError(t, err)
}

func TestExecute_CallerCancellation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.exec.RegisterFallback("a1", func(ctx context.Context, taskID string, err error) (any, error) {
		t.Fatal("fallback must not run on caller cancellation")
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	op := func(ctx context.Context) (any, error) {
		cancel()
		return nil, ctx.Err()
	}
	_, err := h.exec.Execute(ctx, "t1", "a1", op, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.exec.CircuitStatus("a1").Failures)
}

func TestExecute_PanicBecomesError(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	op := func(ctx context.Context) (any, error) { panic("boom") }

	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, &Options{MaxRetries: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation panicked: boom")
}

func TestExecute_RateLimit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithRateLimit(1000, 1))
	op, _ := failing(0, nil, "ok")
	for i := 0; i < 3; i++ {
		_, err := h.exec.Execute(context.Background(), "t", "a1", op, nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.exec.Execute(ctx, "t", "a1", op, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_PersistsErrorHistory(t *testing.T) {
	store := contextstore.New(contextstore.NewMemoryBackend())
	cfg := DefaultConfig()
	cfg.HistoryLimit = 5
	h := newHarness(t, cfg, WithHistoryStore(store))

	op, _ := failing(100, errors.New("network timeout"), nil)
	_, err := h.exec.Execute(context.Background(), "t1", "a1", op, nil)
	require.Error(t, err)

	history, err := h.exec.ErrorHistory(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "t1", history[0].TaskID)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, "network timeout", history[3].Error)

	_, err = h.exec.Execute(context.Background(), "t2", "a1", op, nil)
	require.Error(t, err)
	history, err = h.exec.ErrorHistory(context.Background(), "a1")
	require.NoError(t, err)
	assert.Len(t, history, 5, "bounded to the history limit")
	assert.Equal(t, "t2", history[4].TaskID)
}

func TestExecute_ManualReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.Threshold = 1
	h := newHarness(t, cfg)

	op, _ := failing(100, errors.New("boom"), nil)
	_, _ = h.exec.Execute(context.Background(), "t1", "a1", op, &Options{})
	require.Equal(t, StateOpen, h.exec.CircuitStatus("a1").State)
	require.Len(t, h.exec.CircuitStatuses(), 1)

	assert.True(t, h.exec.ResetCircuit("a1"))
	assert.False(t, h.exec.ResetCircuit("a1"))
	assert.Equal(t, StateClosed, h.exec.CircuitStatus("a1").State)
}
