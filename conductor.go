// Package conductor wires the execution core, the distribution and pipeline
// engines and the context store into one coordinator built from
// configuration.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/agents"
	"github.com/aixgo-dev/conductor/internal/aggregation"
	"github.com/aixgo-dev/conductor/internal/distribution"
	"github.com/aixgo-dev/conductor/internal/events"
	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/pipeline"
	"github.com/aixgo-dev/conductor/internal/resilience"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/contextstore"
	pkgobs "github.com/aixgo-dev/conductor/pkg/observability"
	"github.com/aixgo-dev/conductor/pkg/security"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Mode selects how a task set is executed.
type Mode string

const (
	ModeDistribute Mode = "distribute"
	ModePipeline   Mode = "pipeline"
)

// ParseMode accepts "distribute" (or "parallel") and "pipeline" (or
// "sequential").
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "distribute", "parallel":
		return ModeDistribute, nil
	case "pipeline", "sequential":
		return ModePipeline, nil
	default:
		return "", fmt.Errorf("unknown mode: %q", s)
	}
}

// Coordinator owns every long-lived component of a conductor process.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	bus          *events.Bus
	runtime      *agent.LocalRuntime
	store        *contextstore.Store
	executor     *resilience.Executor
	distribution *distribution.Engine
	pipelines    *pipeline.Engine
	metrics      *pkgobs.Metrics
	health       *pkgobs.HealthChecker
	policy       *security.Policy

	mu          sync.Mutex
	configured  []string
	unsubscribe []func()
	tracing     bool
	purge       *cron.Cron
}

// expiryPurger is a backend that removes expired envelopes on demand.
type expiryPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

type options struct {
	logger    *slog.Logger
	runtime   *agent.LocalRuntime
	backend   contextstore.Backend
	validator resilience.Validator
	random    func(n int) int
}

// Option configures New.
type Option func(*options)

// WithLogger overrides the logger built from the observability section.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRuntime supplies a runtime with workers already registered. Configured
// agents are added to it.
func WithRuntime(rt *agent.LocalRuntime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithBackend bypasses the store section and uses backend directly.
func WithBackend(backend contextstore.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithValidator installs a dispatch policy check on the executor in place of
// the policy section.
func WithValidator(v resilience.Validator) Option {
	return func(o *options) { o.validator = v }
}

// WithRandom makes random balancing deterministic.
func WithRandom(fn func(n int) int) Option {
	return func(o *options) { o.random = fn }
}

// New builds a coordinator from cfg. A nil cfg means config.Default().
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = observability.NewLogger(os.Stderr, cfg.Observability.LogFormat, cfg.Observability.LogLevel)
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		bus:     events.NewBus(),
		runtime: o.runtime,
		metrics: pkgobs.NewMetrics(),
		health:  pkgobs.NewHealthChecker(Version),
	}
	if c.runtime == nil {
		c.runtime = agent.NewLocalRuntime()
	}

	if cfg.Observability.Tracing.Enabled {
		if err := observability.Init(cfg.Observability.Tracing); err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			c.tracing = true
		}
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	c.store = contextstore.New(backend,
		contextstore.WithMaxSize(cfg.Store.MaxSize),
		contextstore.WithLockTimeout(cfg.Store.LockTimeout),
		contextstore.WithShareTTL(cfg.Store.ShareTTL),
		contextstore.WithLogger(logger),
	)

	execCfg := cfg.ExecutorConfig()
	if cfg.Observability.HealthInterval > 0 {
		execCfg.Breaker.ResetCheckInterval = cfg.Observability.HealthInterval
	}
	execOpts := []resilience.Option{
		resilience.WithEventBus(c.bus),
		resilience.WithLogger(logger),
		resilience.WithHistoryStore(c.store),
	}
	if cfg.Retry.RateLimit > 0 {
		execOpts = append(execOpts, resilience.WithRateLimit(cfg.Retry.RateLimit, cfg.Retry.RateBurst))
	}
	switch {
	case o.validator != nil:
		execOpts = append(execOpts, resilience.WithValidator(o.validator))
	case cfg.Policy.Enabled():
		c.policy = security.NewPolicy(cfg.Policy, c.roleOf, logger)
		execOpts = append(execOpts, resilience.WithValidator(c.policy))
	}
	c.executor = resilience.New(execCfg, execOpts...)

	distOpts := []distribution.EngineOption{
		distribution.WithEventBus(c.bus),
		distribution.WithLogger(logger),
	}
	if o.random != nil {
		distOpts = append(distOpts, distribution.WithRandom(o.random))
	}
	c.distribution = distribution.NewEngine(c.runtime, c.executor, distOpts...)

	pipeOpts := []pipeline.Option{
		pipeline.WithEventBus(c.bus),
		pipeline.WithLogger(logger),
		pipeline.WithHistoryLimit(cfg.Pipeline.HistoryLimit),
	}
	if cfg.Pipeline.Archive {
		pipeOpts = append(pipeOpts, pipeline.WithArchive(c.store))
	}
	c.pipelines = pipeline.NewEngine(c.runtime, c.executor, pipeOpts...)

	c.unsubscribe = append(c.unsubscribe,
		c.bus.Subscribe(c.metrics.Handle),
		c.bus.Subscribe(observability.LogEvents(logger)),
	)

	if err := agents.RegisterAll(c.runtime, cfg.Agents); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	if err := c.LoadPipelines(cfg); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.registerHealth()

	return c, nil
}

// OpenBackend connects the context store backend named by cfg.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (contextstore.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return contextstore.NewMemoryBackend(), nil
	case "", config.BackendFile:
		dir := cfg.Dir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			dir = filepath.Join(home, ".conductor", "context")
		}
		return contextstore.NewFileBackend(dir)
	case config.BackendRedis:
		return contextstore.NewRedisBackend(contextstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.BackendSQLite:
		return contextstore.NewSQLiteBackend(cfg.SQLite.Path)
	case config.BackendFirestore:
		return contextstore.NewFirestoreBackend(ctx, contextstore.FirestoreConfig{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			Prefix:          cfg.Firestore.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func (c *Coordinator) roleOf(agentID string) (string, bool) {
	a, err := c.runtime.Get(agentID)
	if err != nil {
		return "", false
	}
	return a.Role(), true
}

func (c *Coordinator) registerHealth() {
	c.health.RegisterCheck(pkgobs.BreakerCheck(c.executor))
	c.health.RegisterCheck(pkgobs.StoreCheck(c.pingStore))

	for name, p := range c.runtime.Probes() {
		c.executor.RegisterHealthProbe(name, p.Probe)
		c.health.RegisterCheck(pkgobs.WorkerCheck(name, p.Probe))
	}
}

// pingStore uses the backend's own ping when it has one, else a read of a
// document that need not exist.
func (c *Coordinator) pingStore(ctx context.Context) error {
	backend := c.store.Backend()
	if p, ok := backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, _, err := backend.Read(ctx, contextstore.Key{Owner: "conductor", Type: "health"})
	return err
}

// LoadPipelines registers the pipelines declared in cfg and in its
// definitions file, replacing those registered by a previous call.
func (c *Coordinator) LoadPipelines(cfg *config.Config) error {
	defs := append([]*pipeline.Definition(nil), cfg.Pipelines...)
	if cfg.Pipeline.DefinitionsFile != "" {
		extra, err := pipeline.LoadDefinitions(cfg.Pipeline.DefinitionsFile)
		if err != nil {
			return err
		}
		defs = append(defs, extra...)
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.configured {
		c.pipelines.Unregister(name)
	}
	c.configured = c.configured[:0]
	for _, def := range defs {
		if err := c.pipelines.Register(def); err != nil {
			return err
		}
		c.configured = append(c.configured, def.Name)
	}
	c.logger.Info("pipelines loaded", "count", len(defs))
	return nil
}

// Reload applies the parts of cfg that can change without a restart: the
// pipeline definitions and the policy rules. A policy can only be updated,
// not added, since the executor is already built.
func (c *Coordinator) Reload(cfg *config.Config) error {
	if err := c.LoadPipelines(cfg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if c.policy != nil {
		c.policy.Update(cfg.Policy)
	} else if cfg.Policy.Enabled() {
		c.logger.Warn("policy section added after start is ignored until restart")
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Config returns the configuration last applied.
func (c *Coordinator) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Distribute runs tasks in parallel across the worker pool. A nil opts uses
// the distribution section of the configuration.
func (c *Coordinator) Distribute(ctx context.Context, tasks []*agent.Task, opts *distribution.Options) (*aggregation.Result, error) {
	o := c.Config().Distribution
	if opts != nil {
		o = *opts
	}
	return c.distribution.Execute(ctx, tasks, o)
}

// RunPipeline runs tasks as a sequential pipeline.
func (c *Coordinator) RunPipeline(ctx context.Context, tasks []*agent.Task, opts pipeline.Options) (*pipeline.Execution, error) {
	return c.pipelines.Execute(ctx, tasks, opts)
}

// Start begins the background health sweep and, for backends that keep
// expired envelopes on disk, a purge on the same interval.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.executor.StartHealthChecks(ctx); err != nil {
		return err
	}
	if _, ok := c.store.Backend().(expiryPurger); !ok || c.Config().Store.ShareTTL <= 0 {
		return nil
	}

	interval := c.executor.Config().Breaker.ResetCheckInterval
	cr := cron.New()
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := c.PurgeExpired(ctx); err != nil {
			c.logger.Warn("envelope purge failed", "error", err)
		}
	}); err != nil {
		c.executor.StopHealthChecks()
		return fmt.Errorf("schedule envelope purge: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.purge != nil {
		return nil
	}
	cr.Start()
	c.purge = cr
	return nil
}

// PurgeExpired removes share envelopes past their expiry from backends that
// do not expire them on their own. Other backends report 0.
func (c *Coordinator) PurgeExpired(ctx context.Context) (int64, error) {
	p, ok := c.store.Backend().(expiryPurger)
	if !ok {
		return 0, nil
	}
	n, err := p.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Debug("expired envelopes purged", "count", n)
	}
	return n, nil
}

// Server builds the status API on the configured address.
func (c *Coordinator) Server() *pkgobs.Server {
	cfg := c.Config()
	return pkgobs.NewServer(cfg.Observability.HTTPAddr, c.executor, c.health, c.metrics,
		pkgobs.WithPipelines(c.pipelines),
		pkgobs.WithLogger(c.logger),
		pkgobs.WithCORSOrigins(cfg.Observability.CORSOrigins...),
	)
}

// Close stops background work and releases the store and tracer.
func (c *Coordinator) Close(ctx context.Context) error {
	c.executor.StopHealthChecks()

	c.mu.Lock()
	unsub := c.unsubscribe
	c.unsubscribe = nil
	purge := c.purge
	c.purge = nil
	c.mu.Unlock()
	if purge != nil {
		<-purge.Stop().Done()
	}
	for _, fn := range unsub {
		fn()
	}

	var errs []error
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if c.tracing {
		if err := observability.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) Logger() *slog.Logger { return c.logger }
func (c *Coordinator) Events() *events.Bus { return c.bus }
func (c *Coordinator) Runtime() *agent.LocalRuntime { return c.runtime }
func (c *Coordinator) Store() *contextstore.Store { return c.store }
func (c *Coordinator) Executor() *resilience.Executor { return c.executor }
func (c *Coordinator) Distribution() *distribution.Engine { return c.distribution }
func (c *Coordinator) Pipelines() *pipeline.Engine { return c.pipelines }
func (c *Coordinator) Metrics() *pkgobs.Metrics { return c.metrics }
func (c *Coordinator) Health() *pkgobs.HealthChecker { return c.health }
