// Package agent provides the public interfaces that workers implement to be
// scheduled by Conductor.
//
// # Basic Usage
//
// To create a custom worker, implement the Agent interface:
//
//	type Analyst struct{ name string }
//
//	func (a *Analyst) Name() string { return a.name }
//	func (a *Analyst) Role() string { return "analyst" }
//	func (a *Analyst) Ready() bool  { return true }
//
//	func (a *Analyst) Execute(ctx context.Context, task *agent.Task) (any, error) {
//	    return map[string]any{"summary": summarize(task.Input)}, nil
//	}
//
// # Runtime Usage
//
// Register workers with a LocalRuntime; the distribution and pipeline engines
// resolve workers from it:
//
//	rt := agent.NewLocalRuntime()
//	rt.Register(&Analyst{name: "analyst-1"})
//
//	res, err := rt.Call(ctx, "analyst-1", agent.NewTask("analyze", input))
//
// Workers that can report their own health implement HealthProber; the
// execution core polls probes to close circuit breakers without traffic.
package agent
