package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingStageInput is returned when a stage's required keys are absent
	// from the data bag and the error mode is not SkipStage.
	ErrMissingStageInput = errors.New("missing stage input")

	ErrPipelineNotFound  = errors.New("pipeline not found")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrNoTasks           = errors.New("no tasks")
	ErrStageFailed       = errors.New("stage failed")

	// ErrNoAgentForStage is returned when no ready worker has the stage's type.
	ErrNoAgentForStage = errors.New("no agent for stage")
)

// MissingInputError names the stage and the keys it could not find.
type MissingInputError struct {
	Pipeline string
	Stage    string
	Missing  []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("pipeline %s stage %s: missing input %s", e.Pipeline, e.Stage, strings.Join(e.Missing, ", "))
}

func (e *MissingInputError) Unwrap() error { return ErrMissingStageInput }

// StageError is a stage dispatch failure that halted a pipeline.
type StageError struct {
	Pipeline string
	Stage    string
	AgentID  string
	Err      error
}

func (e *StageError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("pipeline %s stage %s: %v", e.Pipeline, e.Stage, e.Err)
	}
	return fmt.Sprintf("pipeline %s stage %s on %s: %v", e.Pipeline, e.Stage, e.AgentID, e.Err)
}

func (e *StageError) Unwrap() []error { return []error{ErrStageFailed, e.Err} }
