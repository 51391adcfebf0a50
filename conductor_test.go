package conductor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/agents"
	"github.com/aixgo-dev/conductor/internal/aggregation"
	"github.com/aixgo-dev/conductor/internal/distribution"
	"github.com/aixgo-dev/conductor/internal/pipeline"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/contextstore"
	pkgobs "github.com/aixgo-dev/conductor/pkg/observability"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Agents = []config.AgentConfig{
		{Name: "a1", Kind: "echo", Role: "analyst"},
		{Name: "d1", Kind: "echo", Role: "developer"},
		{Name: "lead", Kind: "echo", Role: "coordinator"},
	}
	cfg.Pipelines = []*pipeline.Definition{{
		Name: "review",
		Stages: []*pipeline.Stage{
			{Name: "analyze", AgentType: "analyst"},
			{Name: "implement", AgentType: "developer", Requires: []string{"analyze"}},
		},
	}}
	return cfg
}

func newTestCoordinator(t *testing.T, cfg *config.Config, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	c, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":           ModeDistribute,
		"parallel":   ModeDistribute,
		"distribute": ModeDistribute,
		"pipeline":   ModePipeline,
		"sequential": ModePipeline,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("batch")
	assert.Error(t, err)
}

func TestNew_RegistersConfiguredAgentsAndPipelines(t *testing.T) {
	c := newTestCoordinator(t, testConfig())

	assert.Equal(t, []string{"a1", "d1", "lead"}, c.Runtime().List())
	assert.Equal(t, []string{"review"}, c.Pipelines().Definitions())
	assert.NotNil(t, c.Store())
	assert.NotNil(t, c.Executor())
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Agents = append(cfg.Agents, config.AgentConfig{Name: "x", Kind: "unknown"})
	_, err := New(context.Background(), cfg, WithLogger(quietLogger()))
	assert.ErrorContains(t, err, "unknown agent kind")

	cfg = testConfig()
	cfg.Store.Backend = "tape"
	_, err = New(context.Background(), cfg, WithLogger(quietLogger()))
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestDistribute(t *testing.T) {
	c := newTestCoordinator(t, testConfig())

	tasks := []*agent.Task{
		{ID: "t1", Type: "analyze"},
		{ID: "t2", Type: "analyze"},
		{ID: "t3", Type: "analyze"},
		{ID: "t4", Type: "analyze"},
	}
	res, err := c.Distribute(context.Background(), tasks, nil)
	require.NoError(t, err)
	assert.Equal(t, aggregation.CollectAll, res.Strategy)
	assert.Equal(t, 4, res.TotalTasks)
	assert.Equal(t, 4, res.Succeeded)

	for _, r := range res.Results {
		assert.NotEqual(t, "lead", r.AgentID, "coordinator roles stay out of the pool")
	}

	opts := distribution.DefaultOptions()
	opts.WorkerTypes = []string{"developer"}
	res, err = c.Distribute(context.Background(), tasks, &opts)
	require.NoError(t, err)
	for _, r := range res.Results {
		assert.Equal(t, "d1", r.AgentID)
	}
}

func TestRunPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.Archive = true
	c := newTestCoordinator(t, cfg)

	exec, err := c.RunPipeline(context.Background(), nil, pipeline.Options{
		Pipeline: "review",
		Input:    map[string]any{"ticket": "T-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, exec.Status)
	assert.Equal(t, "T-1", exec.Data["ticket"])

	analyzed, ok := exec.Data["analyze"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a1", analyzed["echoed_by"])

	var archived pipeline.Execution
	found, err := c.Store().Load(context.Background(), pipeline.ArchiveOwner("review"), pipeline.ArchiveDocType, &archived)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, exec.ID, archived.ID)
}

func TestReload_ReplacesConfiguredPipelines(t *testing.T) {
	c := newTestCoordinator(t, testConfig())

	next := testConfig()
	next.Pipelines = []*pipeline.Definition{{
		Name:   "ship",
		Stages: []*pipeline.Stage{{Name: "build", AgentType: "developer"}},
	}}
	require.NoError(t, c.Reload(next))
	assert.Equal(t, []string{"ship"}, c.Pipelines().Definitions())
	assert.Same(t, next, c.Config())

	bad := testConfig()
	bad.Pipelines = []*pipeline.Definition{{Name: "broken"}}
	assert.Error(t, c.Reload(bad))
	assert.Equal(t, []string{"ship"}, c.Pipelines().Definitions())
}

func TestLoadPipelines_DefinitionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`pipelines:
  - name: triage
    stages:
      - name: classify
        agent_type: analyst
`), 0o600))

	cfg := testConfig()
	cfg.Pipeline.DefinitionsFile = path
	c := newTestCoordinator(t, cfg)
	assert.ElementsMatch(t, []string{"review", "triage"}, c.Pipelines().Definitions())
}

func TestHealth(t *testing.T) {
	rt := agent.NewLocalRuntime()
	require.NoError(t, rt.Register(agents.NewFunc("probed", "analyst", nil)))

	c := newTestCoordinator(t, testConfig(), WithRuntime(rt))
	resp := c.Health().Check(context.Background())

	assert.Equal(t, pkgobs.HealthStatusHealthy, resp.Status)
	assert.Contains(t, resp.Checks, "circuit_breakers")
	assert.Contains(t, resp.Checks, "context_store")
	assert.Contains(t, resp.Checks, "agent:probed")
}

func TestEventsFeedMetrics(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	_, err := c.Distribute(context.Background(), []*agent.Task{{ID: "t1"}}, nil)
	require.NoError(t, err)

	families, err := c.Metrics().Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "conductor_distributions_total")
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		b, err := OpenBackend(ctx, config.StoreConfig{Backend: config.BackendMemory})
		require.NoError(t, err)
		assert.IsType(t, &contextstore.MemoryBackend{}, b)
	})

	t.Run("file", func(t *testing.T) {
		b, err := OpenBackend(ctx, config.StoreConfig{Backend: config.BackendFile, Dir: t.TempDir()})
		require.NoError(t, err)
		assert.IsType(t, &contextstore.FileBackend{}, b)
		require.NoError(t, b.Close())
	})

	t.Run("sqlite", func(t *testing.T) {
		b, err := OpenBackend(ctx, config.StoreConfig{
			Backend: config.BackendSQLite,
			SQLite:  config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "ctx.db")},
		})
		require.NoError(t, err)
		assert.IsType(t, &contextstore.SQLiteBackend{}, b)
		require.NoError(t, b.Close())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b, err := OpenBackend(ctx, config.StoreConfig{
			Backend: config.BackendRedis,
			Redis:   config.RedisConfig{Addr: mr.Addr()},
		})
		require.NoError(t, err)
		assert.IsType(t, &contextstore.RedisBackend{}, b)
		require.NoError(t, b.Close())
	})

	t.Run("firestore requires project", func(t *testing.T) {
		_, err := OpenBackend(ctx, config.StoreConfig{Backend: config.BackendFirestore})
		assert.Error(t, err)
	})
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.Roles = map[string][]string{"analyst": {"analyze"}}
	c := newTestCoordinator(t, cfg)

	opts := distribution.DefaultOptions()
	opts.WorkerTypes = []string{"analyst"}
	res, err := c.Distribute(context.Background(), []*agent.Task{
		{ID: "ok", Type: "analyze"},
		{ID: "denied", Type: "deploy"},
	}, &opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	for _, r := range res.Results {
		if r.TaskID == "denied" {
			assert.Contains(t, r.Error, "role_action")
			assert.Zero(t, r.Attempts)
		}
	}

	next := testConfig()
	next.Policy.Roles = map[string][]string{"analyst": {"analyze", "deploy"}}
	require.NoError(t, c.Reload(next))
	res, err = c.Distribute(context.Background(), []*agent.Task{{ID: "now-ok", Type: "deploy"}}, &opts)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestPurgeExpired_SQLite(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLite.Path = filepath.Join(t.TempDir(), "ctx.db")
	cfg.Store.ShareTTL = time.Millisecond
	c := newTestCoordinator(t, cfg)
	ctx := context.Background()

	_, err := c.Store().Share(ctx, "a1", "d1", "handoff", map[string]any{"step": 1})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	n, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Close(ctx))
}

func TestPurgeExpired_OtherBackends(t *testing.T) {
	c := newTestCoordinator(t, testConfig())
	n, err := c.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
