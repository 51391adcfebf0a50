package resilience

import (
	"sync"
	"time"
)

// RetryEntry is one failed attempt.
type RetryEntry struct {
	TaskID    string    `json:"task_id,omitempty"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Class     string    `json:"class"`
	Timestamp time.Time `json:"timestamp"`
}

// RetryState tracks an in-progress task between its first failure and its
// final outcome.
type RetryState struct {
	TaskID   string       `json:"task_id"`
	AgentID  string       `json:"agent_id"`
	Attempts int          `json:"attempts"`
	History  []RetryEntry `json:"history"`
}

func (s *RetryState) clone() *RetryState {
	c := *s
	c.History = append([]RetryEntry(nil), s.History...)
	return &c
}

// RetryStats summarizes executor activity.
type RetryStats struct {
	TotalOperations   int64                     `json:"total_operations"`
	Successes         int64                     `json:"successes"`
	Failures          int64                     `json:"failures"`
	TotalAttempts     int64                     `json:"total_attempts"`
	AverageAttempts   float64                   `json:"average_attempts"`
	ActiveRetryStates int                       `json:"active_retry_states"`
	CircuitRejections int64                     `json:"circuit_rejections"`
	FallbackSuccesses int64                     `json:"fallback_successes"`
	FallbackFailures  int64                     `json:"fallback_failures"`
	ErrorPatterns     map[string]map[string]int `json:"error_patterns"`
}

// statsTable owns the retry states and counters of one executor.
type statsTable struct {
	mu     sync.Mutex
	states map[string]*RetryState
	stats  RetryStats
}

func newStatsTable() *statsTable {
	return &statsTable{
		states: make(map[string]*RetryState),
		stats:  RetryStats{ErrorPatterns: make(map[string]map[string]int)},
	}
}

func (s *statsTable) recordAttemptFailure(taskID, agentID string, attempt int, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[taskID]
	if !ok {
		st = &RetryState{TaskID: taskID, AgentID: agentID}
		s.states[taskID] = st
	}
	st.Attempts = attempt
	st.History = append(st.History, RetryEntry{
		TaskID:    taskID,
		Attempt:   attempt,
		Error:     err.Error(),
		Class:     ClassOf(err).String(),
		Timestamp: at,
	})

	patterns, ok := s.stats.ErrorPatterns[agentID]
	if !ok {
		patterns = make(map[string]int)
		s.stats.ErrorPatterns[agentID] = patterns
	}
	patterns[patternOf(err)]++
}

// finish closes out a task and returns its retry state, if any.
func (s *statsTable) finish(taskID string, attempts int, success bool) *RetryState {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalOperations++
	s.stats.TotalAttempts += int64(attempts)
	if success {
		s.stats.Successes++
	} else {
		s.stats.Failures++
	}

	st := s.states[taskID]
	delete(s.states, taskID)
	return st
}

func (s *statsTable) recordRejection() {
	s.mu.Lock()
	s.stats.CircuitRejections++
	s.mu.Unlock()
}

func (s *statsTable) recordFallback(success bool) {
	s.mu.Lock()
	if success {
		s.stats.FallbackSuccesses++
	} else {
		s.stats.FallbackFailures++
	}
	s.mu.Unlock()
}

func (s *statsTable) state(taskID string) (*RetryState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[taskID]
	if !ok {
		return nil, false
	}
	return st.clone(), true
}

func (s *statsTable) snapshot() RetryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.stats
	out.ActiveRetryStates = len(s.states)
	if out.TotalOperations > 0 {
		out.AverageAttempts = float64(out.TotalAttempts) / float64(out.TotalOperations)
	}
	out.ErrorPatterns = make(map[string]map[string]int, len(s.stats.ErrorPatterns))
	for agent, patterns := range s.stats.ErrorPatterns {
		cp := make(map[string]int, len(patterns))
		for k, v := range patterns {
			cp[k] = v
		}
		out.ErrorPatterns[agent] = cp
	}
	return out
}
