package agents

import (
	"context"
	"errors"

	"github.com/aixgo-dev/conductor/agent"
)

// Handler is the body of a Func worker.
type Handler func(ctx context.Context, task *agent.Task) (any, error)

// Func adapts a Go function to agent.Agent. It has no config kind since the
// function cannot come from YAML.
type Func struct {
	*BaseAgent
	fn    Handler
	probe func(ctx context.Context) error
}

// NewFunc wraps fn. A nil fn fails every task.
func NewFunc(name, role string, fn Handler) *Func {
	return &Func{BaseAgent: NewBaseAgent(name, role), fn: fn}
}

// WithProbe makes the worker report health through probe.
func (f *Func) WithProbe(probe func(ctx context.Context) error) *Func {
	f.probe = probe
	return f
}

func (f *Func) Execute(ctx context.Context, task *agent.Task) (any, error) {
	if f.fn == nil {
		return nil, errors.New("func agent has no handler")
	}
	return f.fn(ctx, task)
}

// Probe implements agent.HealthProber. Without a probe the worker is healthy
// while it is ready.
func (f *Func) Probe(ctx context.Context) error {
	if f.probe != nil {
		return f.probe(ctx)
	}
	if !f.Ready() {
		return errors.New("agent is not ready")
	}
	return nil
}

