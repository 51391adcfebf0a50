package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/internal/aggregation"
	"github.com/aixgo-dev/conductor/internal/events"
	"github.com/aixgo-dev/conductor/internal/resilience"
)

type testWorker struct {
	name  string
	role  string
	ready bool

	mu   sync.Mutex
	seen []string
	fn   func(ctx context.Context, task *agent.Task) (any, error)
}

func newTestWorker(name, role string) *testWorker {
	return &testWorker{name: name, role: role, ready: true}
}

func (w *testWorker) Name() string { return w.name }
func (w *testWorker) Role() string { return w.role }
func (w *testWorker) Ready() bool  { return w.ready }

func (w *testWorker) Execute(ctx context.Context, task *agent.Task) (any, error) {
	w.mu.Lock()
	w.seen = append(w.seen, task.ID)
	w.mu.Unlock()
	if w.fn != nil {
		return w.fn(ctx, task)
	}
	return w.name + ":" + task.ID, nil
}

func (w *testWorker) Seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.seen...)
}

func makeTasks(n int) []*agent.Task {
	tasks := make([]*agent.Task, n)
	for i := range tasks {
		tasks[i] = &agent.Task{ID: fmt.Sprintf("t%d", i+1), Type: "work"}
	}
	return tasks
}

func makePool(n int) []*Worker {
	pool := make([]*Worker, n)
	for i := range pool {
		pool[i] = &Worker{ID: fmt.Sprintf("w%d", i+1), Type: "worker", Available: true}
	}
	return pool
}

func noRetry() *resilience.Options {
	return &resilience.Options{MaxRetries: 0}
}

func newEngine(t *testing.T, workers ...*testWorker) (*Engine, *agent.LocalRuntime) {
	t.Helper()
	rt := agent.NewLocalRuntime()
	for _, w := range workers {
		require.NoError(t, rt.Register(w))
	}
	exec := resilience.New(resilience.DefaultConfig(),
		resilience.WithSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	return NewEngine(rt, exec), rt
}

func TestParseBalanceStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want BalanceStrategy
	}{
		{"round-robin", RoundRobin},
		{"round_robin", RoundRobin},
		{"", RoundRobin},
		{"least-loaded", LeastLoaded},
		{"LEAST_LOADED", LeastLoaded},
		{"random", Random},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBalanceStrategy(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			again, err := ParseBalanceStrategy(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}

	_, err := ParseBalanceStrategy("fastest")
	assert.Error(t, err)
}

func TestDistribute_TotalPartition(t *testing.T) {
	strategies := []BalanceStrategy{RoundRobin, LeastLoaded, Random}
	seq := 0
	rnd := func(n int) int {
		seq = (seq*7 + 3) % 101
		return seq % n
	}

	for _, strategy := range strategies {
		for _, m := range []int{1, 2, 7, 20} {
			for _, n := range []int{1, 3, 5} {
				t.Run(fmt.Sprintf("%s/%d tasks/%d workers", strategy, m, n), func(t *testing.T) {
					tasks := makeTasks(m)
					d, err := Distribute(tasks, makePool(n), strategy, 0, rnd)
					require.NoError(t, err)

					seen := make(map[string]int)
					total := 0
					for _, id := range d.Order {
						for _, task := range d.Assignments[id] {
							seen[task.ID]++
						}
						total += len(d.Assignments[id])
					}
					assert.Equal(t, m, total)
					for _, task := range tasks {
						assert.Equal(t, 1, seen[task.ID], "task %s", task.ID)
					}
				})
			}
		}
	}
}

func TestDistribute_RoundRobinBalance(t *testing.T) {
	d, err := Distribute(makeTasks(7), makePool(3), RoundRobin, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"w1": 3, "w2": 2, "w3": 2}, d.Sizes())
	ids := func(tasks []*agent.Task) []string {
		var out []string
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}
	assert.Equal(t, []string{"t1", "t4", "t7"}, ids(d.Assignments["w1"]))
	assert.Equal(t, []string{"t2", "t5"}, ids(d.Assignments["w2"]))
}

func TestDistribute_RoundRobinStartIndex(t *testing.T) {
	a, err := Distribute(makeTasks(4), makePool(3), RoundRobin, 2, nil)
	require.NoError(t, err)
	b, err := Distribute(makeTasks(4), makePool(3), RoundRobin, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, a.Sizes(), b.Sizes())
	assert.Equal(t, "t1", a.Assignments["w3"][0].ID)
	assert.Equal(t, "t2", a.Assignments["w1"][0].ID)
	assert.Equal(t, map[string]int{"w1": 1, "w2": 1, "w3": 2}, a.Sizes())
}

func TestDistribute_LeastLoaded(t *testing.T) {
	pool := makePool(3)
	d, err := Distribute(makeTasks(6), pool, LeastLoaded, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"w1": 2, "w2": 2, "w3": 2}, d.Sizes())
	assert.Equal(t, "t1", d.Assignments["w1"][0].ID)
	assert.Equal(t, "t4", d.Assignments["w1"][1].ID)
	for _, w := range pool {
		assert.Equal(t, 2, w.Load)
	}
}

func TestDistribute_EmptyPool(t *testing.T) {
	_, err := Distribute(makeTasks(2), nil, RoundRobin, 0, nil)
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestEngine_BuildPool(t *testing.T) {
	coord := newTestWorker("lead", "orchestrator")
	a := newTestWorker("a", "analyst")
	b := newTestWorker("b", "developer")
	c := newTestWorker("c", "analyst")
	c.ready = false
	d := newTestWorker("d", "analyst")

	e, _ := newEngine(t, coord, a, b, c, d)

	pool, err := e.BuildPool(DefaultOptions())
	require.NoError(t, err)
	var ids []string
	for _, w := range pool {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids)

	opts := DefaultOptions()
	opts.WorkerTypes = []string{"analyst"}
	opts.MaxWorkers = 1
	pool, err = e.BuildPool(opts)
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, "a", pool[0].ID)

	opts.WorkerTypes = []string{"tester"}
	_, err = e.BuildPool(opts)
	assert.ErrorIs(t, err, ErrNoWorkersAvailable)
}

func TestEngine_ExecuteInvalidTasks(t *testing.T) {
	e, _ := newEngine(t, newTestWorker("a", "analyst"))
	ctx := context.Background()

	_, err := e.Execute(ctx, nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidTasks)

	dup := []*agent.Task{{ID: "x"}, {ID: "x"}}
	_, err = e.Execute(ctx, dup, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidTasks)

	cyclic := []*agent.Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}
	_, err = e.Execute(ctx, cyclic, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidTasks)
}

func TestEngine_ExecuteCollectAll(t *testing.T) {
	w1 := newTestWorker("w1", "analyst")
	w2 := newTestWorker("w2", "analyst")
	w2.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		return nil, errors.New("invalid input")
	}
	e, _ := newEngine(t, w1, w2)

	recorder := &events.Recorder{}
	bus := events.NewBus()
	bus.Subscribe(recorder.Handle)
	e.bus = bus

	opts := DefaultOptions()
	opts.Retry = noRetry()
	res, err := e.Execute(context.Background(), makeTasks(4), opts)
	require.NoError(t, err)

	assert.Equal(t, 4, res.TotalTasks)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Workers, 2)
	assert.Equal(t, "w1", res.Workers[0].WorkerID)
	assert.Equal(t, 2, res.Workers[0].Succeeded)
	assert.Equal(t, 2, res.Workers[1].Failed)

	assert.Equal(t, []string{"t1", "t3"}, w1.Seen())
	assert.Equal(t, []string{"t2", "t4"}, w2.Seen())

	for _, r := range res.Results {
		if r.AgentID == "w2" {
			assert.False(t, r.Success)
			assert.Contains(t, r.Error, "invalid input")
			assert.Equal(t, 1, r.Attempts)
		} else {
			assert.Equal(t, "w1:"+r.TaskID, r.Output)
		}
	}
	assert.Equal(t, 1, recorder.Count(events.DistributionCompleted))
}

func TestEngine_LeastLoadedFailureStillCounts(t *testing.T) {
	w1 := newTestWorker("w1", "analyst")
	w1.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		if task.ID == "t1" {
			return nil, errors.New("invalid input")
		}
		return "ok", nil
	}
	w2 := newTestWorker("w2", "analyst")
	w3 := newTestWorker("w3", "analyst")
	e, _ := newEngine(t, w1, w2, w3)

	opts := DefaultOptions()
	opts.Balance = LeastLoaded
	opts.Retry = noRetry()
	res, err := e.Execute(context.Background(), makeTasks(6), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"t1", "t4"}, w1.Seen())
	assert.Len(t, w2.Seen(), 2)
	assert.Len(t, w3.Seen(), 2)
	assert.Equal(t, 1, res.Failed)
}

func TestEngine_ExecuteFirstSuccess(t *testing.T) {
	w1 := newTestWorker("w1", "analyst")
	w1.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		return nil, errors.New("invalid input")
	}
	w2 := newTestWorker("w2", "analyst")
	e, _ := newEngine(t, w1, w2)

	opts := DefaultOptions()
	opts.Aggregation = aggregation.FirstSuccess
	opts.Retry = noRetry()
	res, err := e.Execute(context.Background(), makeTasks(2), opts)
	require.NoError(t, err)
	require.NotNil(t, res.First)
	assert.Equal(t, "w2", res.First.AgentID)
	assert.False(t, res.NoSuccess)
}

func TestEngine_ExecuteMajorityVote(t *testing.T) {
	answer := func(v string) func(context.Context, *agent.Task) (any, error) {
		return func(context.Context, *agent.Task) (any, error) { return v, nil }
	}
	w1 := newTestWorker("w1", "voter")
	w1.fn = answer("yes")
	w2 := newTestWorker("w2", "voter")
	w2.fn = answer("no")
	w3 := newTestWorker("w3", "voter")
	w3.fn = answer("yes")
	e, _ := newEngine(t, w1, w2, w3)

	opts := DefaultOptions()
	opts.Aggregation = aggregation.MajorityVote
	res, err := e.Execute(context.Background(), makeTasks(3), opts)
	require.NoError(t, err)
	require.NotNil(t, res.Vote)
	assert.Equal(t, "yes", res.Vote.Winner)
	assert.Equal(t, 2, res.Vote.WinnerVotes)
	assert.True(t, res.Vote.IsMajority)
}

func TestEngine_WorkerTimeout(t *testing.T) {
	fast := newTestWorker("fast", "analyst")
	slow := newTestWorker("slow", "analyst")
	slow.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e, _ := newEngine(t, fast, slow)

	opts := DefaultOptions()
	opts.WorkerTimeout = 50 * time.Millisecond
	opts.Retry = noRetry()

	start := time.Now()
	_, err := e.Execute(context.Background(), makeTasks(2), opts)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.ErrorIs(t, err, ErrWorkerTimeout)
	var timeoutErr *WorkerTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 2, timeoutErr.Total)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestEngine_CallerCancel(t *testing.T) {
	blocking := newTestWorker("w1", "analyst")
	blocking.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e, _ := newEngine(t, blocking)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, makeTasks(1), DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrWorkerTimeout)
}

func TestEngine_RetriesThroughExecutor(t *testing.T) {
	calls := 0
	flaky := newTestWorker("w1", "analyst")
	flaky.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return "done", nil
	}
	e, _ := newEngine(t, flaky)

	res, err := e.Execute(context.Background(), makeTasks(1), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, 3, res.Results[0].Attempts)
}

func TestEngine_FailedFallbackReportsAttempts(t *testing.T) {
	down := newTestWorker("w1", "analyst")
	down.fn = func(ctx context.Context, task *agent.Task) (any, error) {
		return nil, errors.New("service unavailable")
	}
	e, _ := newEngine(t, down)
	e.exec.RegisterFallback("w1", func(ctx context.Context, taskID string, err error) (any, error) {
		return nil, errors.New("no cached answer")
	})

	opts := DefaultOptions()
	opts.Retry = &resilience.Options{MaxRetries: 2}
	res, err := e.Execute(context.Background(), makeTasks(1), opts)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Success)
	assert.Equal(t, 3, res.Results[0].Attempts)
	assert.Contains(t, res.Results[0].Error, "no cached answer")
}
