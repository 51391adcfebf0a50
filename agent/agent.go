package agent

import "context"

// Agent is the interface that every worker must implement.
// External packages implement this interface to plug custom workers into the
// scheduler.
//
// The scheduler treats Execute as an opaque, potentially slow, potentially
// failing function. It never inspects task semantics beyond ID, Type and
// Priority.
type Agent interface {
	// Name returns the unique identifier for this agent instance.
	// Agent names must be unique within a Runtime.
	Name() string

	// Role returns the agent's capability tag (e.g., "analyst", "developer").
	// Distribution and pipeline stages select agents by role.
	Role() string

	// Execute processes a task and returns its output.
	// The implementation should be safe for concurrent use and should honor
	// ctx cancellation.
	Execute(ctx context.Context, task *Task) (any, error)

	// Ready returns true if the agent is available to take work.
	// The Runtime will not invoke Execute on an agent that is not ready.
	Ready() bool
}

// HealthProber is implemented by agents that can report their own health.
// A nil error means healthy. The execution core polls probes to reset open
// circuit breakers independently of traffic.
type HealthProber interface {
	Probe(ctx context.Context) error
}
