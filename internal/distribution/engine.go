// Package distribution fans a task set out across a pool of workers and
// combines what they return.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/aggregation"
	"github.com/aixgo-dev/conductor/internal/events"
	"github.com/aixgo-dev/conductor/internal/graph"
	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/resilience"
)

const (
	DefaultMaxWorkers    = 5
	DefaultWorkerTimeout = 5 * time.Minute
)

// DefaultCoordinatorRoles are never put in a worker pool.
var DefaultCoordinatorRoles = []string{"orchestrator", "coordinator"}

// Options configures one distribution call.
type Options struct {
	Balance     BalanceStrategy      `yaml:"balance"`
	Aggregation aggregation.Strategy `yaml:"aggregation"`
	MaxWorkers  int                  `yaml:"max_workers"`
	// WorkerTimeout bounds the whole call, not individual tasks.
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
	// WorkerTypes restricts the pool to these roles when non-empty.
	WorkerTypes      []string `yaml:"worker_types"`
	CoordinatorRoles []string `yaml:"coordinator_roles"`
	StartIndex       int      `yaml:"start_index"`

	// Retry overrides the executor defaults for every dispatch.
	Retry *resilience.Options `yaml:"-"`
}

// DefaultOptions returns round-robin, collect-all distribution.
func DefaultOptions() Options {
	return Options{
		Balance:          RoundRobin,
		Aggregation:      aggregation.CollectAll,
		MaxWorkers:       DefaultMaxWorkers,
		WorkerTimeout:    DefaultWorkerTimeout,
		CoordinatorRoles: slices.Clone(DefaultCoordinatorRoles),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = DefaultWorkerTimeout
	}
	if o.CoordinatorRoles == nil {
		o.CoordinatorRoles = DefaultCoordinatorRoles
	}
	return o
}

// Engine distributes tasks over the workers registered in a runtime.
type Engine struct {
	runtime agent.Runtime
	exec    *resilience.Executor
	bus     *events.Bus
	logger  *slog.Logger
	rnd     func(n int) int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEventBus sets the bus DistributionCompleted is emitted on.
func WithEventBus(bus *events.Bus) EngineOption {
	return func(e *Engine) {
		e.bus = bus
	}
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRandom replaces the source used by the Random balance strategy.
func WithRandom(fn func(n int) int) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.rnd = fn
		}
	}
}

// NewEngine creates an engine. A nil executor gets the default policy.
func NewEngine(rt agent.Runtime, exec *resilience.Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		runtime: rt,
		exec:    exec,
		logger:  slog.Default(),
		rnd:     rand.IntN,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = resilience.New(resilience.DefaultConfig(), resilience.WithEventBus(e.bus), resilience.WithLogger(e.logger))
	}
	return e
}

// BuildPool selects up to MaxWorkers ready workers in registration order.
func (e *Engine) BuildPool(opts Options) ([]*Worker, error) {
	opts = opts.withDefaults()

	var pool []*Worker
	for _, name := range e.runtime.List() {
		if len(pool) >= opts.MaxWorkers {
			break
		}
		a, err := e.runtime.Get(name)
		if err != nil {
			continue
		}
		role := a.Role()
		if slices.Contains(opts.CoordinatorRoles, role) {
			continue
		}
		if len(opts.WorkerTypes) > 0 && !slices.Contains(opts.WorkerTypes, role) {
			continue
		}
		if !a.Ready() {
			continue
		}
		pool = append(pool, &Worker{ID: name, Type: role, Available: true})
	}
	if len(pool) == 0 {
		return nil, ErrNoWorkersAvailable
	}
	return pool, nil
}

// Plan validates tasks, builds the pool and partitions without dispatching.
func (e *Engine) Plan(tasks []*agent.Task, opts Options) (*Distribution, []*Worker, error) {
	opts = opts.withDefaults()
	if err := validateTasks(tasks); err != nil {
		return nil, nil, err
	}
	pool, err := e.BuildPool(opts)
	if err != nil {
		return nil, nil, err
	}
	dist, err := Distribute(tasks, pool, opts.Balance, opts.StartIndex, e.rnd)
	if err != nil {
		return nil, nil, err
	}
	return dist, pool, nil
}

func validateTasks(tasks []*agent.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidTasks)
	}
	for i, t := range tasks {
		if t == nil {
			return fmt.Errorf("%w: task %d is nil", ErrInvalidTasks, i)
		}
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has no id", ErrInvalidTasks, i)
		}
	}
	g, err := graph.FromTasks(tasks)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTasks, err)
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTasks, err)
	}
	return nil
}

// Execute distributes tasks, runs every worker's list concurrently and
// aggregates the results. Task failures are recorded in the result, not
// returned; errors are reserved for invalid input, an empty pool, the
// worker timeout and caller cancellation.
func (e *Engine) Execute(ctx context.Context, tasks []*agent.Task, opts Options) (*aggregation.Result, error) {
	opts = opts.withDefaults()

	ctx, span := observability.StartSpan(ctx, "distribution.execute",
		trace.WithAttributes(
			attribute.String("distribution.balance", opts.Balance.String()),
			attribute.String("distribution.aggregation", opts.Aggregation.String()),
			attribute.Int("distribution.tasks", len(tasks)),
		),
	)
	defer span.End()
	start := time.Now()

	dist, pool, err := e.Plan(tasks, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("distribution.workers", len(pool)))

	runCtx, cancel := context.WithTimeout(ctx, opts.WorkerTimeout)
	defer cancel()

	results := make([][]agent.Result, len(dist.Order))
	var completed atomic.Int64
	var interrupted atomic.Bool
	var g errgroup.Group
	for i, workerID := range dist.Order {
		assigned := dist.Assignments[workerID]
		if len(assigned) == 0 {
			continue
		}
		g.Go(func() error {
			out := make([]agent.Result, 0, len(assigned))
			for _, task := range assigned {
				if runCtx.Err() != nil {
					interrupted.Store(true)
					return nil
				}
				r := e.dispatch(runCtx, workerID, task, opts.Retry)
				if !r.Success && runCtx.Err() != nil {
					interrupted.Store(true)
					return nil
				}
				out = append(out, r)
				completed.Add(1)
			}
			results[i] = out
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timedOut := false
	select {
	case <-done:
	case <-runCtx.Done():
		select {
		case <-done:
		default:
			timedOut = true
		}
	}
	if timedOut || interrupted.Load() {
		cancel()
		err := e.interrupted(ctx, opts.WorkerTimeout, int(completed.Load()), len(tasks))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	workers := make([]aggregation.WorkerResults, 0, len(dist.Order))
	for i, workerID := range dist.Order {
		if results[i] == nil {
			continue
		}
		workers = append(workers, aggregation.WorkerResults{WorkerID: workerID, Results: results[i]})
	}

	res, err := aggregation.Aggregate(opts.Aggregation, workers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	duration := time.Since(start)
	span.SetAttributes(
		attribute.Int64("distribution.duration_ms", duration.Milliseconds()),
		attribute.Int("distribution.succeeded", res.Succeeded),
		attribute.Int("distribution.failed", res.Failed),
	)
	e.bus.Emit(events.Event{
		Name: events.DistributionCompleted,
		Fields: map[string]any{
			"balance":     opts.Balance.String(),
			"aggregation": opts.Aggregation.String(),
			"workers":     len(workers),
			"tasks":       res.TotalTasks,
			"succeeded":   res.Succeeded,
			"failed":      res.Failed,
			"duration":    duration,
		},
	})
	e.logger.Debug("distribution completed",
		"workers", len(workers),
		"tasks", res.TotalTasks,
		"failed", res.Failed,
		"duration", duration,
	)
	return res, nil
}

func (e *Engine) interrupted(ctx context.Context, timeout time.Duration, completed, total int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("distribution canceled: %w", err)
	}
	e.logger.Warn("distribution timed out",
		"timeout", timeout,
		"completed", completed,
		"total", total,
	)
	return &WorkerTimeoutError{Timeout: timeout, Completed: completed, Total: total}
}

// dispatch runs one task on one worker through the executor and always
// produces a Result.
func (e *Engine) dispatch(ctx context.Context, workerID string, task *agent.Task, retry *resilience.Options) agent.Result {
	start := time.Now()
	op := func(ctx context.Context) (any, error) {
		res, err := e.runtime.Call(ctx, workerID, task)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}

	opts := e.exec.Config().ForDispatch(retry, task.Type, task.Resources())
	outcome, err := e.exec.Execute(ctx, task.ID, workerID, op, opts)
	if err != nil {
		return agent.Result{
			TaskID:   task.ID,
			AgentID:  workerID,
			Error:    err.Error(),
			Duration: time.Since(start),
			Attempts: resilience.AttemptsOf(err),
		}
	}
	return agent.Result{
		TaskID:   task.ID,
		AgentID:  workerID,
		Success:  true,
		Output:   outcome.Value,
		Duration: outcome.Duration,
		Attempts: outcome.Attempts,
		Fallback: outcome.Fallback,
	}
}
