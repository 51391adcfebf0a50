// Package graph orders tasks by their declared dependencies.
package graph

import (
	"errors"
	"fmt"

	"github.com/aixgo-dev/conductor/agent"
)

var (
	// ErrCycleDetected is returned when a dependency cycle is found in the graph.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnknownDependency is returned when a task depends on a task not in the graph.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDuplicateNode is returned when the same task id is added twice.
	ErrDuplicateNode = errors.New("duplicate task id")
)

// Node is a task id and the ids it depends on.
type Node struct {
	ID           string
	Dependencies []string
}

// DependencyGraph is a directed graph of task dependencies.
// Nodes remember insertion order so that every ordering it produces is
// deterministic and stable with respect to the submitted task list.
// A DependencyGraph is built once per submission and is not safe for
// concurrent mutation.
type DependencyGraph struct {
	nodes map[string]*Node
	order []string
}

// NewDependencyGraph creates a new empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*Node),
	}
}

// FromTasks builds a graph from a submission. Dependencies naming tasks
// outside the submission are dropped: they describe work the caller already
// completed and do not constrain ordering here.
func FromTasks(tasks []*agent.Task) (*DependencyGraph, error) {
	g := NewDependencyGraph()
	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if known[t.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, t.ID)
		}
		known[t.ID] = true
	}
	for _, t := range tasks {
		var deps []string
		for _, d := range t.Dependencies {
			if known[d] {
				deps = append(deps, d)
			}
		}
		if err := g.AddNode(t.ID, deps); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// AddNode adds a task id with its dependencies.
func (g *DependencyGraph) AddNode(id string, dependencies []string) error {
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}

	deps := make([]string, len(dependencies))
	copy(deps, dependencies)

	g.nodes[id] = &Node{ID: id, Dependencies: deps}
	g.order = append(g.order, id)
	return nil
}

// HasEdges reports whether any node declares a dependency.
func (g *DependencyGraph) HasEdges() bool {
	for _, n := range g.nodes {
		if len(n.Dependencies) > 0 {
			return true
		}
	}
	return false
}

// Validate checks the graph for cycles and unknown dependencies.
func (g *DependencyGraph) Validate() error {
	for _, id := range g.order {
		for _, dep := range g.nodes[id].Dependencies {
			if _, exists := g.nodes[dep]; !exists {
				return fmt.Errorf("%w: task %q depends on unknown task %q",
					ErrUnknownDependency, id, dep)
			}
		}
	}

	// 0 unvisited, 1 on the current path, 2 done
	colors := make(map[string]int, len(g.nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case 1:
			start := 0
			for i, n := range path {
				if n == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return &CycleError{Path: cycle}
		case 2:
			return nil
		}

		colors[id] = 1
		path = append(path, id)
		for _, dep := range g.nodes[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colors[id] = 2
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Order returns a topological order of the task ids. Among tasks whose
// dependencies are satisfied, the one inserted first comes first, so a graph
// without edges yields insertion order.
func (g *DependencyGraph) Order() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	pending := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for _, id := range g.order {
		pending[id] = len(g.nodes[id].Dependencies)
		for _, dep := range g.nodes[id].Dependencies {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	result := make([]string, 0, len(g.order))
	placed := make(map[string]bool, len(g.order))
	for len(result) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if placed[id] || pending[id] > 0 {
				continue
			}
			placed[id] = true
			result = append(result, id)
			for _, d := range dependents[id] {
				pending[d]--
			}
			progressed = true
			// restart from the front so earlier ids win
			break
		}
		if !progressed {
			return nil, ErrCycleDetected
		}
	}
	return result, nil
}
