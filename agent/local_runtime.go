package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAgentNotFound is returned when a named agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentNotReady is returned when an agent is registered but unavailable.
var ErrAgentNotReady = errors.New("agent not ready")

// LocalRuntime is a single-process agent registry.
// It is safe for concurrent use.
type LocalRuntime struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string // Registration order for deterministic pool building
}

// NewLocalRuntime creates a new local runtime.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{
		agents: make(map[string]Agent),
		order:  make([]string, 0),
	}
}

// Register adds an agent to the runtime.
func (r *LocalRuntime) Register(agent Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := agent.Name()
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %s already registered", name)
	}

	r.agents[name] = agent
	r.order = append(r.order, name)
	return nil
}

// Unregister removes an agent from the runtime.
func (r *LocalRuntime) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get retrieves a registered agent by name.
func (r *LocalRuntime) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// List returns all registered agent names in registration order.
func (r *LocalRuntime) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Call invokes an agent and reports the outcome as a Result.
func (r *LocalRuntime) Call(ctx context.Context, target string, task *Task) (*Result, error) {
	res := &Result{TaskID: task.ID, AgentID: target}

	r.mu.RLock()
	a, exists := r.agents[target]
	r.mu.RUnlock()

	if !exists {
		err := fmt.Errorf("%w: %s", ErrAgentNotFound, target)
		res.Error = err.Error()
		return res, err
	}
	if !a.Ready() {
		err := fmt.Errorf("%w: %s is unavailable", ErrAgentNotReady, target)
		res.Error = err.Error()
		return res, err
	}

	start := time.Now()
	out, err := a.Execute(ctx, task)
	res.Duration = time.Since(start)

	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Success = true
	res.Output = out
	return res, nil
}

// Probes returns the health probes of every registered agent that has one,
// keyed by agent name.
func (r *LocalRuntime) Probes() map[string]HealthProber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	probes := make(map[string]HealthProber)
	for name, a := range r.agents {
		if p, ok := a.(HealthProber); ok {
			probes[name] = p
		}
	}
	return probes
}
