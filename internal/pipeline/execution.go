package pipeline

import (
	"time"
)

// Status is the state of a pipeline execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageSkipped   StageStatus = "skipped"
	StageFailed    StageStatus = "failed"
)

// StageOutcome records what happened to one stage.
type StageOutcome struct {
	Stage string `json:"stage"`
	// Parent is set for branch stages.
	Parent    string        `json:"parent,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	Status    StageStatus   `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Output    any           `json:"output,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Fallback  bool          `json:"fallback,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Execution is one pipeline run: the data bag and every stage outcome.
type Execution struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	AdHoc       bool           `json:"ad_hoc,omitempty"`
	Status      Status         `json:"status"`
	Data        map[string]any `json:"data"`
	Stages      []StageOutcome `json:"stages"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error,omitempty"`
}

// Outcome returns the first outcome recorded for stage.
func (e *Execution) Outcome(stage string) (StageOutcome, bool) {
	for _, o := range e.Stages {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// Count returns how many stages ended with status.
func (e *Execution) Count(status StageStatus) int {
	n := 0
	for _, o := range e.Stages {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Metrics summarizes the retained history of one pipeline.
type Metrics struct {
	Pipeline        string        `json:"pipeline"`
	Executions      int           `json:"executions"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// history is a bounded most-recent-N log of finished executions.
type history struct {
	limit int
	items []*Execution
}

func (h *history) add(e *Execution) {
	h.items = append(h.items, e)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append([]*Execution(nil), h.items[over:]...)
	}
}

func (h *history) metrics(name string) Metrics {
	m := Metrics{Pipeline: name}
	var total time.Duration
	for _, e := range h.items {
		if e.Pipeline != name {
			continue
		}
		m.Executions++
		total += e.Duration
		if e.Status == StatusCompleted {
			m.Succeeded++
		} else {
			m.Failed++
		}
	}
	if m.Executions > 0 {
		m.SuccessRate = float64(m.Succeeded) / float64(m.Executions)
		m.AverageDuration = total / time.Duration(m.Executions)
	}
	return m
}
