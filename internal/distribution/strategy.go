package distribution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/conductor/agent"
)

var (
	// ErrNoWorkersAvailable is returned when the pool is empty.
	ErrNoWorkersAvailable = errors.New("no workers available")

	// ErrInvalidTasks is returned for empty submissions, duplicate ids or
	// cyclic dependencies.
	ErrInvalidTasks = errors.New("invalid task set")

	// ErrWorkerTimeout is returned when the distribution deadline elapses.
	ErrWorkerTimeout = errors.New("worker timeout")
)

// WorkerTimeoutError reports how far a distribution got before its deadline.
type WorkerTimeoutError struct {
	Timeout   time.Duration
	Completed int
	Total     int
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("distribution timed out after %s with %d of %d tasks finished", e.Timeout, e.Completed, e.Total)
}

func (e *WorkerTimeoutError) Unwrap() error { return ErrWorkerTimeout }

// BalanceStrategy selects how tasks are partitioned across the pool.
type BalanceStrategy int

const (
	// RoundRobin assigns tasks cyclically starting at Options.StartIndex.
	RoundRobin BalanceStrategy = iota
	// LeastLoaded assigns each task to the worker with the fewest assigned
	// tasks so far, ties broken by pool order.
	LeastLoaded
	// Random assigns each task to a uniformly chosen worker.
	Random
)

func (s BalanceStrategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case LeastLoaded:
		return "least-loaded"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("balance(%d)", int(s))
	}
}

// ParseBalanceStrategy accepts the String form, with '_' or '-' separators.
func ParseBalanceStrategy(s string) (BalanceStrategy, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "", "round-robin", "roundrobin":
		return RoundRobin, nil
	case "least-loaded", "leastloaded":
		return LeastLoaded, nil
	case "random":
		return Random, nil
	default:
		return 0, fmt.Errorf("unknown balance strategy %q", s)
	}
}

func (s BalanceStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BalanceStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseBalanceStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Worker describes one pool member for the lifetime of a distribution call.
type Worker struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Load      int    `json:"load"`
	Available bool   `json:"available"`
}

// Distribution maps workers to their ordered task lists.
type Distribution struct {
	// Order is the pool order; aggregation walks workers in this order.
	Order       []string
	Assignments map[string][]*agent.Task
}

// Sizes returns the number of tasks per worker.
func (d *Distribution) Sizes() map[string]int {
	sizes := make(map[string]int, len(d.Order))
	for _, id := range d.Order {
		sizes[id] = len(d.Assignments[id])
	}
	return sizes
}

// Distribute partitions tasks across pool. Every task lands in exactly one
// worker's list and each list keeps submission order. LeastLoaded updates
// the workers' Load as it assigns. rnd returns a value in [0,n) and is only
// used by Random.
func Distribute(tasks []*agent.Task, pool []*Worker, strategy BalanceStrategy, startIndex int, rnd func(n int) int) (*Distribution, error) {
	if len(pool) == 0 {
		return nil, ErrNoWorkersAvailable
	}

	d := &Distribution{
		Order:       make([]string, len(pool)),
		Assignments: make(map[string][]*agent.Task, len(pool)),
	}
	for i, w := range pool {
		d.Order[i] = w.ID
	}

	n := len(pool)
	for i, task := range tasks {
		var idx int
		switch strategy {
		case RoundRobin:
			idx = ((startIndex+i)%n + n) % n
		case LeastLoaded:
			idx = 0
			for j := 1; j < n; j++ {
				if pool[j].Load < pool[idx].Load {
					idx = j
				}
			}
		case Random:
			if rnd == nil {
				return nil, errors.New("random balance strategy needs a random source")
			}
			idx = rnd(n)
		default:
			return nil, fmt.Errorf("unknown balance strategy %s", strategy)
		}

		w := pool[idx]
		w.Load++
		d.Assignments[w.ID] = append(d.Assignments[w.ID], task)
	}
	return d, nil
}
