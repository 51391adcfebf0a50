package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is a discrete unit of work dispatched to an agent.
// A task is immutable once dispatched; results are reported separately.
type Task struct {
	// ID uniquely identifies the task within a submission.
	ID string `json:"id" yaml:"id"`

	// Type tags the kind of work (e.g., "analyze", "implement").
	Type string `json:"type" yaml:"type"`

	// AgentType is the capability the task asks for. Optional for
	// distribution, used for structural pipeline matching.
	AgentType string `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`

	// Priority is informational; higher runs are not preempted.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Input is the opaque task payload.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`

	// Dependencies lists task IDs this task declares it depends on.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// NewTask creates a task with a generated ID.
func NewTask(taskType string, input map[string]any) *Task {
	return &Task{
		ID:    uuid.New().String(),
		Type:  taskType,
		Input: input,
	}
}

// WithAgentType sets the requested capability and returns the task for chaining.
func (t *Task) WithAgentType(agentType string) *Task {
	t.AgentType = agentType
	return t
}

// WithPriority sets the priority and returns the task for chaining.
func (t *Task) WithPriority(p int) *Task {
	t.Priority = p
	return t
}

// DependsOn appends dependencies and returns the task for chaining.
func (t *Task) DependsOn(ids ...string) *Task {
	t.Dependencies = append(t.Dependencies, ids...)
	return t
}

// Clone returns a copy whose Input map and Dependencies slice are not shared
// with the original. Values inside Input are copied shallowly.
func (t *Task) Clone() *Task {
	clone := *t
	if t.Input != nil {
		clone.Input = make(map[string]any, len(t.Input))
		for k, v := range t.Input {
			clone.Input[k] = v
		}
	}
	if t.Dependencies != nil {
		clone.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &clone
}

// String returns a human-readable representation of the task for debugging.
func (t *Task) String() string {
	return fmt.Sprintf("Task{ID:%s, Type:%s, AgentType:%s, Priority:%d}", t.ID, t.Type, t.AgentType, t.Priority)
}

// Result is the outcome of one task on one agent.
type Result struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Success  bool          `json:"success"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Attempts is the number of attempts the execution core made.
	Attempts int `json:"attempts,omitempty"`

	// Fallback is true when Output came from a registered fallback handler.
	Fallback bool `json:"fallback,omitempty"`
}

// Resources describes the task to a dispatch policy.
func (t *Task) Resources() map[string]any {
	return map[string]any{
		"task_id":    t.ID,
		"task_type":  t.Type,
		"agent_type": t.AgentType,
		"priority":   t.Priority,
		"input_keys": len(t.Input),
	}
}
