// Package pipeline runs ordered stages, each bound to one worker, threading a
// data bag through them.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/events"
	"github.com/aixgo-dev/conductor/internal/graph"
	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/resilience"
)

const (
	DefaultHistoryLimit = 100

	// AdHocName is the pipeline name of synthesized definitions.
	AdHocName = "ad-hoc"

	// ArchiveDocType is the context document holding a pipeline's last run.
	ArchiveDocType = "last-execution"
)

// Archive persists finished executions. *contextstore.Store satisfies it.
type Archive interface {
	Save(ctx context.Context, owner, docType string, data any) error
}

// ArchiveOwner is the context store owner of a pipeline's archive.
func ArchiveOwner(pipeline string) string {
	return "pipeline:" + pipeline
}

// Options configures one Execute call. Nil mode fields use the definition's.
type Options struct {
	// Pipeline selects a registered definition by name.
	Pipeline string
	// Input seeds the data bag.
	Input map[string]any

	Transform *TransformMode
	ErrorMode *ErrorMode
	Branching *bool

	// Retry overrides the executor defaults for stages without their own.
	Retry *resilience.Options
}

// Engine holds registered definitions and the execution history.
type Engine struct {
	runtime agent.Runtime
	exec    *resilience.Executor
	bus     *events.Bus
	logger  *slog.Logger
	archive Archive
	now     func() time.Time

	mu          sync.RWMutex
	definitions map[string]*Definition
	order       []string
	history     history
}

// Option configures an Engine.
type Option func(*Engine)

func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithArchive saves every finished execution to store.
func WithArchive(store Archive) Option {
	return func(e *Engine) {
		e.archive = store
	}
}

// WithHistoryLimit bounds the retained execution history.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.history.limit = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine. A nil executor gets the default policy.
func NewEngine(rt agent.Runtime, exec *resilience.Executor, opts ...Option) *Engine {
	e := &Engine{
		runtime:     rt,
		exec:        exec,
		logger:      slog.Default(),
		now:         time.Now,
		definitions: make(map[string]*Definition),
		history:     history{limit: DefaultHistoryLimit},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = resilience.New(resilience.DefaultConfig(), resilience.WithEventBus(e.bus), resilience.WithLogger(e.logger))
	}
	return e
}

// Register validates and adds a definition. Registering an existing name
// replaces it.
func (e *Engine) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[def.Name]; !exists {
		e.order = append(e.order, def.Name)
	}
	e.definitions[def.Name] = def
	return nil
}

func (e *Engine) Unregister(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.definitions[name]; !exists {
		return false
	}
	delete(e.definitions, name)
	e.order = slices.DeleteFunc(e.order, func(n string) bool { return n == name })
	return true
}

func (e *Engine) Definition(name string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[name]
	return def, ok
}

// Definitions returns the registered names in registration order.
func (e *Engine) Definitions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.order)
}

// binding ties a top-level stage to the submitted task it came from.
type binding struct {
	def   *Definition
	tasks map[string]*agent.Task
	adHoc bool
}

// Resolve picks the definition for tasks: by name, then by structure, then
// ad hoc.
func (e *Engine) Resolve(tasks []*agent.Task, name string) (*Definition, bool, error) {
	b, err := e.resolve(tasks, name)
	if err != nil {
		return nil, false, err
	}
	return b.def, b.adHoc, nil
}

func (e *Engine) resolve(tasks []*agent.Task, name string) (*binding, error) {
	if name != "" {
		def, ok := e.Definition(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
		}
		return bind(def, tasks), nil
	}
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	e.mu.RLock()
	for _, n := range e.order {
		def := e.definitions[n]
		if matches(def, tasks) {
			e.mu.RUnlock()
			return bind(def, tasks), nil
		}
	}
	e.mu.RUnlock()

	return adHoc(tasks)
}

func bind(def *Definition, tasks []*agent.Task) *binding {
	b := &binding{def: def, tasks: make(map[string]*agent.Task)}
	if len(tasks) == len(def.Stages) {
		for i, s := range def.Stages {
			b.tasks[s.Name] = tasks[i]
		}
	}
	return b
}

// matches reports whether tasks line up with def's stages one to one. A task
// matches a stage when every field it sets agrees with the stage and it sets
// at least one.
func matches(def *Definition, tasks []*agent.Task) bool {
	if len(def.Stages) != len(tasks) {
		return false
	}
	for i, s := range def.Stages {
		t := tasks[i]
		if t == nil || (t.AgentType == "" && t.Type == "") {
			return false
		}
		if t.AgentType != "" && t.AgentType != s.AgentType && t.AgentType != s.Agent {
			return false
		}
		if t.Type != "" && t.Type != s.TaskType {
			return false
		}
	}
	return true
}

// adHoc builds one forwarding stage per task, in dependency order when any
// dependencies are declared.
func adHoc(tasks []*agent.Task) (*binding, error) {
	g, err := graph.FromTasks(tasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	ordered := tasks
	if g.HasEdges() {
		ids, err := g.Order()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
		byID := make(map[string]*agent.Task, len(tasks))
		for _, t := range tasks {
			byID[t.ID] = t
		}
		ordered = make([]*agent.Task, 0, len(ids))
		for _, id := range ids {
			ordered = append(ordered, byID[id])
		}
	}

	def := &Definition{Name: AdHocName}
	b := &binding{def: def, tasks: make(map[string]*agent.Task, len(tasks)), adHoc: true}
	for _, t := range ordered {
		def.Stages = append(def.Stages, &Stage{
			Name:            t.ID,
			AgentType:       t.AgentType,
			TaskType:        t.Type,
			ForwardPrevious: true,
		})
		b.tasks[t.ID] = t
	}
	return b, nil
}

// run is the mutable state of one execution.
type run struct {
	binding   *binding
	exec      *Execution
	transform TransformMode
	errorMode ErrorMode
	branching bool
	retry     *resilience.Options
	previous  any
}

// Execute resolves a definition for tasks and runs its stages in order. The
// returned execution is non-nil whenever resolution succeeded, including when
// a stage failure under Stop or a missing input ends the run with an error.
func (e *Engine) Execute(ctx context.Context, tasks []*agent.Task, opts Options) (*Execution, error) {
	b, err := e.resolve(tasks, opts.Pipeline)
	if err != nil {
		return nil, err
	}
	def := b.def

	r := &run{
		binding:   b,
		transform: def.Transform,
		errorMode: def.ErrorMode,
		branching: def.Branching,
		retry:     opts.Retry,
	}
	if opts.Transform != nil {
		r.transform = *opts.Transform
	}
	if opts.ErrorMode != nil {
		r.errorMode = *opts.ErrorMode
	}
	if opts.Branching != nil {
		r.branching = *opts.Branching
	}

	start := e.now()
	r.exec = &Execution{
		ID:        ulid.Make().String(),
		Pipeline:  def.Name,
		AdHoc:     b.adHoc,
		Status:    StatusRunning,
		Data:      cloneMap(opts.Input),
		StartedAt: start,
	}
	if r.exec.Data == nil {
		r.exec.Data = make(map[string]any)
	}

	ctx, span := observability.StartSpan(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("pipeline.name", def.Name),
			attribute.String("pipeline.execution_id", r.exec.ID),
			attribute.Int("pipeline.stages", len(def.Stages)),
			attribute.Bool("pipeline.ad_hoc", b.adHoc),
		),
	)
	defer span.End()

	var runErr error
	for _, s := range def.Stages {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("pipeline %s canceled: %w", def.Name, err)
			break
		}
		if runErr = e.runStage(ctx, r, s, ""); runErr != nil {
			break
		}
	}

	end := e.now()
	r.exec.CompletedAt = &end
	r.exec.Duration = end.Sub(start)
	if runErr != nil {
		r.exec.Status = StatusFailed
		r.exec.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		r.exec.Status = StatusCompleted
	}
	span.SetAttributes(
		attribute.String("pipeline.status", string(r.exec.Status)),
		attribute.Int64("pipeline.duration_ms", r.exec.Duration.Milliseconds()),
	)

	e.finish(ctx, r.exec)
	return r.exec, runErr
}

// runStage processes one stage and, on success, its applicable branches. A
// non-nil error halts the pipeline.
func (e *Engine) runStage(ctx context.Context, r *run, s *Stage, parent string) error {
	def := r.binding.def
	outcome := StageOutcome{Stage: s.Name, Parent: parent, StartedAt: e.now()}

	if s.skipped(r.exec.Data) {
		outcome.Status = StageSkipped
		outcome.Reason = "skip condition"
		e.record(r, outcome)
		return nil
	}

	if missing := s.missing(r.exec.Data); len(missing) > 0 {
		err := &MissingInputError{Pipeline: def.Name, Stage: s.Name, Missing: missing}
		if r.errorMode == SkipStage {
			outcome.Status = StageSkipped
			outcome.Reason = err.Error()
			e.record(r, outcome)
			return nil
		}
		outcome.Status = StageFailed
		outcome.Error = err.Error()
		e.record(r, outcome)
		return err
	}

	task := e.stageTask(r, s)
	outcome.TaskID = task.ID

	ctx, span := observability.StartSpan(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.name", def.Name),
			attribute.String("pipeline.stage", s.Name),
		),
	)
	agentID, result, err := e.dispatch(ctx, r, s, task)
	outcome.AgentID = agentID
	outcome.Duration = e.now().Sub(outcome.StartedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		outcome.Status = StageFailed
		outcome.Error = err.Error()
		outcome.Attempts = resilience.AttemptsOf(err)
		e.record(r, outcome)
		if r.errorMode == Stop {
			return &StageError{Pipeline: def.Name, Stage: s.Name, AgentID: agentID, Err: err}
		}
		return nil
	}

	outcome.Status = StageSucceeded
	outcome.Output = result.Value
	outcome.Attempts = result.Attempts
	outcome.Fallback = result.Fallback
	r.exec.Data = apply(r.transform, s, r.exec.Data, result.Value)
	r.previous = result.Value
	e.record(r, outcome)

	if !r.branching {
		return nil
	}
	for _, branch := range s.Branches {
		if !branch.applies(r.exec.Data) {
			continue
		}
		if err := e.runStage(ctx, r, branch, s.Name); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stageTask(r *run, s *Stage) *agent.Task {
	task := &agent.Task{
		Type:      s.TaskType,
		AgentType: s.AgentType,
		Input:     buildInput(s, r.exec.Data, r.previous, s.ForwardPrevious),
	}
	if src, ok := r.binding.tasks[s.Name]; ok {
		task.ID = src.ID
		task.Priority = src.Priority
		for k, v := range src.Input {
			task.Input[k] = v
		}
		if task.Type == "" {
			task.Type = src.Type
		}
	} else {
		task.ID = r.exec.ID + ":" + s.Name
	}
	return task
}

// dispatch resolves the stage's worker and runs the task through the
// executor.
func (e *Engine) dispatch(ctx context.Context, r *run, s *Stage, task *agent.Task) (string, *resilience.Outcome, error) {
	agentID, err := e.agentFor(s)
	if err != nil {
		return "", nil, err
	}

	retry := s.Retry
	if retry == nil {
		retry = r.retry
	}
	op := func(ctx context.Context) (any, error) {
		res, err := e.runtime.Call(ctx, agentID, task)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}
	opts := e.exec.Config().ForDispatch(retry, task.Type, task.Resources())
	outcome, err := e.exec.Execute(ctx, task.ID, agentID, op, opts)
	return agentID, outcome, err
}

// agentFor returns the pinned agent, or the first ready worker of the
// stage's type in registration order. A stage with neither set takes the
// first ready worker.
func (e *Engine) agentFor(s *Stage) (string, error) {
	if s.Agent != "" {
		return s.Agent, nil
	}
	for _, name := range e.runtime.List() {
		a, err := e.runtime.Get(name)
		if err != nil || !a.Ready() {
			continue
		}
		if s.AgentType == "" || a.Role() == s.AgentType {
			return name, nil
		}
	}
	if s.AgentType == "" {
		return "", fmt.Errorf("%w: %s", ErrNoAgentForStage, s.Name)
	}
	return "", fmt.Errorf("%w: %s needs %s", ErrNoAgentForStage, s.Name, s.AgentType)
}

func (e *Engine) record(r *run, o StageOutcome) {
	r.exec.Stages = append(r.exec.Stages, o)
	e.bus.Emit(events.Event{
		Name:      events.PipelineStage,
		Timestamp: e.now(),
		TaskID:    o.TaskID,
		AgentID:   o.AgentID,
		Attempt:   o.Attempts,
		Fields: map[string]any{
			"pipeline":     r.exec.Pipeline,
			"execution_id": r.exec.ID,
			"stage":        o.Stage,
			"status":       string(o.Status),
			"duration":     o.Duration,
		},
	})
}

func (e *Engine) finish(ctx context.Context, exec *Execution) {
	e.mu.Lock()
	e.history.add(exec)
	e.mu.Unlock()

	e.bus.Emit(events.Event{
		Name:      events.PipelineCompleted,
		Timestamp: e.now(),
		Fields: map[string]any{
			"pipeline":     exec.Pipeline,
			"execution_id": exec.ID,
			"status":       string(exec.Status),
			"duration":     exec.Duration,
			"stages":       len(exec.Stages),
		},
	})
	e.logger.Info("pipeline finished",
		"pipeline", exec.Pipeline,
		"execution_id", exec.ID,
		"status", exec.Status,
		"duration", exec.Duration,
	)

	if e.archive == nil {
		return
	}
	if err := e.archive.Save(context.WithoutCancel(ctx), ArchiveOwner(exec.Pipeline), ArchiveDocType, exec); err != nil {
		e.logger.Warn("failed to archive pipeline execution",
			"pipeline", exec.Pipeline,
			"execution_id", exec.ID,
			"error", err,
		)
	}
}

// History returns the retained executions, oldest first.
func (e *Engine) History() []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.history.items)
}

// Metrics summarizes the retained executions of pipeline name.
func (e *Engine) Metrics(name string) Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.metrics(name)
}
