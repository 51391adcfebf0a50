package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/conductor/internal/resilience"
)

// TransformMode decides how a stage result enters the data bag.
type TransformMode int

const (
	// Merge stores the result under the stage's output key. It is the default.
	Merge TransformMode = iota
	// Replace makes the result the whole bag.
	Replace
	// Append accumulates results under the output key as a list.
	Append
)

func (m TransformMode) String() string {
	switch m {
	case Merge:
		return "merge"
	case Replace:
		return "replace"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("transform(%d)", int(m))
	}
}

func ParseTransformMode(s string) (TransformMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "merge":
		return Merge, nil
	case "replace":
		return Replace, nil
	case "append":
		return Append, nil
	default:
		return 0, fmt.Errorf("unknown transform mode %q", s)
	}
}

func (m TransformMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *TransformMode) UnmarshalText(text []byte) error {
	parsed, err := ParseTransformMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ErrorMode decides what a stage failure does to the rest of the pipeline.
type ErrorMode int

const (
	// Stop halts on the first failure. It is the default.
	Stop ErrorMode = iota
	// Continue records the failure and runs the next stage.
	Continue
	// SkipStage behaves like Continue, and also skips stages with missing
	// required input instead of failing.
	SkipStage
)

func (m ErrorMode) String() string {
	switch m {
	case Stop:
		return "stop"
	case Continue:
		return "continue"
	case SkipStage:
		return "skip-stage"
	default:
		return fmt.Sprintf("error_mode(%d)", int(m))
	}
}

func ParseErrorMode(s string) (ErrorMode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "stop":
		return Stop, nil
	case "continue":
		return Continue, nil
	case "skip-stage", "skip":
		return SkipStage, nil
	default:
		return 0, fmt.Errorf("unknown error mode %q", s)
	}
}

func (m ErrorMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ErrorMode) UnmarshalText(text []byte) error {
	parsed, err := ParseErrorMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Transform is a stage's output placement.
type Transform struct {
	// OutputKey defaults to the stage name.
	OutputKey string `yaml:"output_key,omitempty" json:"output_key,omitempty"`
	// Merge names keys copied from a map result to the top of the bag.
	Merge []string `yaml:"merge,omitempty" json:"merge,omitempty"`
	// Aggregate also records the result in bag["stage_results"][stage].
	Aggregate bool `yaml:"aggregate,omitempty" json:"aggregate,omitempty"`
}

// Stage is one step of a pipeline.
type Stage struct {
	Name string `yaml:"name" json:"name"`
	// AgentType selects the first ready worker with that role. Agent pins a
	// specific worker and wins over AgentType.
	AgentType string         `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`
	Agent     string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	TaskType  string         `yaml:"task_type,omitempty" json:"task_type,omitempty"`
	Input     map[string]any `yaml:"input,omitempty" json:"input,omitempty"`

	Requires    []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	PassThrough []string `yaml:"pass_through,omitempty" json:"pass_through,omitempty"`

	Skip   Predicate  `yaml:"-" json:"-"`
	SkipIf *Condition `yaml:"skip_if,omitempty" json:"skip_if,omitempty"`

	// When gates a branch stage. A branch with no condition always runs.
	When   Predicate  `yaml:"-" json:"-"`
	WhenIf *Condition `yaml:"when,omitempty" json:"when,omitempty"`

	Branches  []*Stage  `yaml:"branches,omitempty" json:"branches,omitempty"`
	Transform Transform `yaml:"transform,omitempty" json:"transform,omitempty"`

	// ForwardPrevious adds the last stage result as "previous_output".
	ForwardPrevious bool `yaml:"forward_previous,omitempty" json:"forward_previous,omitempty"`

	Retry *resilience.Options `yaml:"-" json:"-"`
}

func (s *Stage) outputKey() string {
	if s.Transform.OutputKey != "" {
		return s.Transform.OutputKey
	}
	return s.Name
}

func (s *Stage) skipped(bag map[string]any) bool {
	if s.Skip != nil && s.Skip(bag) {
		return true
	}
	return s.SkipIf != nil && s.SkipIf.Evaluate(bag)
}

func (s *Stage) applies(bag map[string]any) bool {
	if s.When != nil && !s.When(bag) {
		return false
	}
	return s.WhenIf == nil || s.WhenIf.Evaluate(bag)
}

func (s *Stage) missing(bag map[string]any) []string {
	var out []string
	for _, key := range s.Requires {
		if _, ok := bag[key]; !ok {
			out = append(out, key)
		}
	}
	return out
}

// Definition is a registered pipeline. It must not be modified once
// registered.
type Definition struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []*Stage      `yaml:"stages" json:"stages"`
	Transform   TransformMode `yaml:"transform" json:"transform"`
	ErrorMode   ErrorMode     `yaml:"error_mode" json:"error_mode"`
	Branching   bool          `yaml:"branching" json:"branching"`
}

// Validate checks names, worker bindings and conditions, including branches.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidDefinition, d.Name)
	}
	seen := make(map[string]bool)
	var check func(stages []*Stage) error
	check = func(stages []*Stage) error {
		for i, s := range stages {
			if s == nil {
				return fmt.Errorf("%w: %s stage %d is nil", ErrInvalidDefinition, d.Name, i)
			}
			if s.Name == "" {
				return fmt.Errorf("%w: %s stage %d has no name", ErrInvalidDefinition, d.Name, i)
			}
			if seen[s.Name] {
				return fmt.Errorf("%w: %s has duplicate stage %s", ErrInvalidDefinition, d.Name, s.Name)
			}
			seen[s.Name] = true
			if s.Agent == "" && s.AgentType == "" {
				return fmt.Errorf("%w: %s stage %s needs agent or agent_type", ErrInvalidDefinition, d.Name, s.Name)
			}
			for _, c := range []*Condition{s.SkipIf, s.WhenIf} {
				if c == nil {
					continue
				}
				if err := c.Validate(); err != nil {
					return fmt.Errorf("%w: %s stage %s: %w", ErrInvalidDefinition, d.Name, s.Name, err)
				}
			}
			if err := check(s.Branches); err != nil {
				return err
			}
		}
		return nil
	}
	return check(d.Stages)
}

type definitionFile struct {
	Pipelines []*Definition `yaml:"pipelines"`
}

// ParseDefinitions reads a YAML document with a top-level pipelines list and
// validates every definition.
func ParseDefinitions(r io.Reader) ([]*Definition, error) {
	var file definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}
	names := make(map[string]bool)
	for _, d := range file.Pipelines {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if names[d.Name] {
			return nil, fmt.Errorf("%w: duplicate pipeline %s", ErrInvalidDefinition, d.Name)
		}
		names[d.Name] = true
	}
	return file.Pipelines, nil
}

// LoadDefinitions reads definitions from a YAML file.
func LoadDefinitions(path string) ([]*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines: %w", err)
	}
	return ParseDefinitions(bytes.NewReader(data))
}
