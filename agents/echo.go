package agents

import (
	"context"
	"time"

	"github.com/aixgo-dev/conductor/agent"
	"github.com/aixgo-dev/conductor/pkg/config"
)

// Echo returns its task input, tagged with its own name. It is used for
// dry runs and wiring tests.
type Echo struct {
	*BaseAgent
	delay time.Duration
}

func init() {
	Register("echo", func(cfg config.AgentConfig) (agent.Agent, error) {
		delay, err := settingDuration(cfg.Settings, "delay")
		if err != nil {
			return nil, err
		}
		return NewEcho(cfg.Name, cfg.Role, delay), nil
	})
}

func NewEcho(name, role string, delay time.Duration) *Echo {
	return &Echo{BaseAgent: NewBaseAgent(name, role), delay: delay}
}

func (e *Echo) Execute(ctx context.Context, task *agent.Task) (any, error) {
	if e.delay > 0 {
		timer := time.NewTimer(e.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	out := make(map[string]any, len(task.Input)+2)
	for k, v := range task.Input {
		out[k] = v
	}
	out["echoed_by"] = e.Name()
	out["task_type"] = task.Type
	return out, nil
}
