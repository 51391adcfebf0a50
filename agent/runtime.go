package agent

import "context"

// Runtime is the registry of agents available to the scheduler.
type Runtime interface {
	// Register adds an agent to the runtime.
	// Returns an error if an agent with the same name is already registered.
	Register(agent Agent) error

	// Unregister removes an agent from the runtime.
	Unregister(name string) error

	// Get retrieves a registered agent by name.
	Get(name string) (Agent, error)

	// List returns all registered agent names in registration order.
	List() []string

	// Call invokes an agent synchronously with a task.
	// Returns an error if the agent is not found, not ready, or execution fails.
	// The returned Result is always non-nil and carries the timing.
	Call(ctx context.Context, target string, task *Task) (*Result, error)
}
