package agents

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/pkg/config"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(cfg config.AgentConfig) (agent.Agent, error) {
		return NewEcho(cfg.Name, cfg.Role, 0), nil
	})
	reg.Register("broken", func(cfg config.AgentConfig) (agent.Agent, error) {
		return nil, errors.New("bad settings")
	})

	assert.Equal(t, []string{"broken", "stub"}, reg.Kinds())

	a, err := CreateWithRegistry(config.AgentConfig{Name: "w1", Kind: "stub", Role: "analyst"}, reg)
	require.NoError(t, err)
	assert.Equal(t, "w1", a.Name())
	assert.Equal(t, "analyst", a.Role())

	_, err = CreateWithRegistry(config.AgentConfig{Name: "w2", Kind: "broken"}, reg)
	assert.ErrorContains(t, err, "create agent w2")

	_, err = CreateWithRegistry(config.AgentConfig{Name: "w3", Kind: "missing"}, reg)
	assert.ErrorContains(t, err, "unknown agent kind")
}

func TestBuiltinKinds(t *testing.T) {
	kinds := Kinds()
	assert.Contains(t, kinds, "echo")
	assert.Contains(t, kinds, "http")
}

func TestRegisterAll(t *testing.T) {
	rt := agent.NewLocalRuntime()
	err := RegisterAll(rt, []config.AgentConfig{
		{Name: "e1", Kind: "echo", Role: "analyst"},
		{Name: "e2", Kind: "echo", Role: "developer", Settings: map[string]any{"delay": "1ms"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, rt.List())

	err = RegisterAll(rt, []config.AgentConfig{{Name: "e1", Kind: "echo"}})
	assert.Error(t, err)

	err = RegisterAll(agent.NewLocalRuntime(), []config.AgentConfig{
		{Name: "bad", Kind: "echo", Settings: map[string]any{"delay": "soon"}},
	})
	assert.ErrorContains(t, err, "setting delay")
}

func TestEcho(t *testing.T) {
	e := NewEcho("e1", "analyst", 0)
	out, err := e.Execute(context.Background(), &agent.Task{ID: "t1", Type: "analyze", Input: map[string]any{"k": "v"}})
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "v", m["k"])
	assert.Equal(t, "e1", m["echoed_by"])
	assert.Equal(t, "analyze", m["task_type"])

	t.Run("delay honors cancellation", func(t *testing.T) {
		slow := NewEcho("slow", "analyst", time.Minute)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := slow.Execute(ctx, &agent.Task{ID: "t1"})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("readiness", func(t *testing.T) {
		e.SetReady(false)
		assert.False(t, e.Ready())
		e.SetReady(true)
		assert.True(t, e.Ready())
	})
}

func TestFunc(t *testing.T) {
	f := NewFunc("f1", "developer", func(ctx context.Context, task *agent.Task) (any, error) {
		return task.ID, nil
	})
	out, err := f.Execute(context.Background(), &agent.Task{ID: "t9"})
	require.NoError(t, err)
	assert.Equal(t, "t9", out)
	assert.NoError(t, f.Probe(context.Background()))

	f.SetReady(false)
	assert.Error(t, f.Probe(context.Background()), "not ready without a probe")
	f.SetReady(true)

	f.WithProbe(func(ctx context.Context) error { return errors.New("down") })
	assert.EqualError(t, f.Probe(context.Background()), "down")

	_, err = NewFunc("empty", "developer", nil).Execute(context.Background(), &agent.Task{ID: "t1"})
	assert.Error(t, err)
}

func TestHTTP_Execute(t *testing.T) {
	var got httpTaskRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verdict":"ok"}`))
	}))
	defer srv.Close()

	h, err := NewHTTP("remote", "reviewer", srv.URL+"/tasks", HTTPOptions{
		Headers: map[string]string{"X-Token": "secret"},
	})
	require.NoError(t, err)

	out, err := h.Execute(context.Background(), &agent.Task{ID: "t1", Type: "review", Input: map[string]any{"pr": float64(7)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"verdict": "ok"}, out)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "review", got.Type)
	assert.Equal(t, float64(7), got.Input["pr"])
}

func TestHTTP_StatusErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", int(status.Load()))
	}))
	defer srv.Close()

	h, err := NewHTTP("remote", "reviewer", srv.URL, HTTPOptions{})
	require.NoError(t, err)

	_, err = h.Execute(context.Background(), &agent.Task{ID: "t1"})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "busy", se.Body)
	assert.True(t, se.Retryable())

	status.Store(http.StatusNotFound)
	_, err = h.Execute(context.Background(), &agent.Task{ID: "t1"})
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable())

	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusBadGateway} {
		assert.True(t, (&StatusError{StatusCode: code}).Retryable(), code)
	}
	assert.False(t, (&StatusError{StatusCode: http.StatusUnauthorized}).Retryable())
}

func TestHTTP_Probe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a, err := Create(config.AgentConfig{
		Name: "remote",
		Kind: "http",
		Settings: map[string]any{
			"url":         srv.URL + "/run",
			"timeout":     "2s",
			"health_path": "/healthz",
		},
	})
	require.NoError(t, err)

	prober, ok := a.(agent.HealthProber)
	require.True(t, ok)
	assert.NoError(t, prober.Probe(context.Background()))

	healthy.Store(false)
	assert.Error(t, prober.Probe(context.Background()))
}

func TestNewHTTP_Validation(t *testing.T) {
	_, err := NewHTTP("r", "x", "", HTTPOptions{})
	assert.ErrorContains(t, err, "url is required")

	_, err = NewHTTP("r", "x", "ftp://example.com", HTTPOptions{})
	assert.ErrorContains(t, err, "invalid URL scheme")

	_, err = Create(config.AgentConfig{Name: "r", Kind: "http", Settings: map[string]any{"url": 5}})
	assert.ErrorContains(t, err, "must be a string")
}

func TestHTTP_RestrictNetwork(t *testing.T) {
	_, err := Create(config.AgentConfig{
		Name: "internal",
		Kind: "http",
		Settings: map[string]any{
			"url":              "http://10.0.0.5:8080/run",
			"restrict_network": true,
		},
	})
	assert.ErrorContains(t, err, "private IP")

	_, err = Create(config.AgentConfig{
		Name: "pinned",
		Kind: "http",
		Settings: map[string]any{
			"url":              "http://localhost:8080/run",
			"restrict_network": true,
			"allowed_hosts":    []any{"workers.internal"},
		},
	})
	assert.ErrorContains(t, err, "allowlist")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"done"`))
	}))
	defer srv.Close()

	a, err := Create(config.AgentConfig{
		Name:     "loopback",
		Kind:     "http",
		Settings: map[string]any{"url": srv.URL, "restrict_network": true},
	})
	require.NoError(t, err)
	out, err := a.Execute(context.Background(), &agent.Task{ID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}
