package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "open":
		*s = StateOpen
	case "half-open":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state: %q", text)
	}
	return nil
}

// BreakerConfig tunes the per-worker circuit breakers.
type BreakerConfig struct {
	// Threshold is the consecutive failure count that opens the breaker.
	Threshold int `yaml:"threshold"`
	// OpenTimeout is how long the breaker stays open before admitting a probe.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// ResetCheckInterval is the health-check polling interval.
	ResetCheckInterval time.Duration `yaml:"reset_check_interval"`
}

// DefaultBreakerConfig returns threshold 5, 60s open timeout, 30s checks.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:          5,
		OpenTimeout:        60 * time.Second,
		ResetCheckInterval: 30 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.ResetCheckInterval <= 0 {
		c.ResetCheckInterval = d.ResetCheckInterval
	}
	return c
}

// CircuitStatus is a snapshot of one worker's breaker.
type CircuitStatus struct {
	AgentID    string        `json:"agent_id"`
	State      State         `json:"state"`
	Failures   int           `json:"failures"`
	OpenedAt   time.Time     `json:"opened_at,omitempty"`
	ErrorCount int           `json:"error_count_at_open,omitempty"`
	OpenFor    time.Duration `json:"open_for,omitempty"`
}

type breaker struct {
	state        State
	failures     int
	openedAt     time.Time
	errorsAtOpen int

	// probing is set while the single half-open attempt is in flight.
	probing bool
}

// BreakerTable holds one breaker per worker. An entry exists only while a
// worker has unreset failures; a closed breaker with a clean count is
// indistinguishable from no entry.
type BreakerTable struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewBreakerTable creates a table. now may be nil for time.Now.
func NewBreakerTable(cfg BreakerConfig, now func() time.Time) *BreakerTable {
	if now == nil {
		now = time.Now
	}
	return &BreakerTable{
		cfg:      cfg.withDefaults(),
		now:      now,
		breakers: make(map[string]*breaker),
	}
}

// Admission is the result of Allow.
type Admission struct {
	Allowed bool
	State   State
	// Probe is true when this admission is the single half-open attempt.
	Probe    bool
	OpenedAt time.Time
	// RetryAfter is the remaining cool-down when not allowed.
	RetryAfter time.Duration
}

// Allow decides whether a worker may take an attempt now. An open breaker
// whose cool-down has elapsed moves to half-open and admits one probe; further
// calls are rejected until that probe is recorded or released.
func (t *BreakerTable) Allow(agentID string) Admission {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.breakers[agentID]
	if !ok {
		return Admission{Allowed: true, State: StateClosed}
	}

	switch b.state {
	case StateOpen:
		elapsed := t.now().Sub(b.openedAt)
		if elapsed < t.cfg.OpenTimeout {
			return Admission{State: StateOpen, OpenedAt: b.openedAt, RetryAfter: t.cfg.OpenTimeout - elapsed}
		}
		b.state = StateHalfOpen
		b.probing = true
		return Admission{Allowed: true, State: StateHalfOpen, Probe: true, OpenedAt: b.openedAt}
	case StateHalfOpen:
		if b.probing {
			return Admission{State: StateHalfOpen, OpenedAt: b.openedAt}
		}
		b.probing = true
		return Admission{Allowed: true, State: StateHalfOpen, Probe: true, OpenedAt: b.openedAt}
	default:
		return Admission{Allowed: true, State: StateClosed}
	}
}

// Release returns an unused half-open probe slot without recording an outcome.
func (t *BreakerTable) Release(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[agentID]; ok && b.state == StateHalfOpen {
		b.probing = false
	}
}

// RecordSuccess clears the worker's failure count. It reports whether the
// success closed a half-open breaker.
func (t *BreakerTable) RecordSuccess(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.breakers[agentID]
	if !ok {
		return false
	}
	wasHalfOpen := b.state == StateHalfOpen
	if b.state == StateOpen {
		// an attempt admitted before the breaker opened finished late
		return false
	}
	delete(t.breakers, agentID)
	return wasHalfOpen
}

// RecordFailure counts a failed attempt. It reports whether this failure
// opened (or re-opened) the breaker.
func (t *BreakerTable) RecordFailure(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.breakers[agentID]
	if !ok {
		b = &breaker{}
		t.breakers[agentID] = b
	}
	b.failures++

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = t.now()
		b.errorsAtOpen = b.failures
		b.probing = false
		return true
	case StateClosed:
		if b.failures >= t.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = t.now()
			b.errorsAtOpen = b.failures
			return true
		}
	}
	return false
}

// Reset closes the worker's breaker and clears its count. It reports whether
// the breaker was open or half-open.
func (t *BreakerTable) Reset(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.breakers[agentID]
	if !ok {
		return false
	}
	delete(t.breakers, agentID)
	return b.state != StateClosed
}

// State returns the current state without transitioning it.
func (t *BreakerTable) State(agentID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[agentID]; ok {
		return b.state
	}
	return StateClosed
}

// Status returns a snapshot of one worker's breaker.
func (t *BreakerTable) Status(agentID string) CircuitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(agentID)
}

func (t *BreakerTable) statusLocked(agentID string) CircuitStatus {
	st := CircuitStatus{AgentID: agentID, State: StateClosed}
	b, ok := t.breakers[agentID]
	if !ok {
		return st
	}
	st.State = b.state
	st.Failures = b.failures
	if b.state != StateClosed {
		st.OpenedAt = b.openedAt
		st.ErrorCount = b.errorsAtOpen
		st.OpenFor = t.now().Sub(b.openedAt)
	}
	return st
}

// Statuses returns snapshots of every worker with failures, sorted by id.
func (t *BreakerTable) Statuses() []CircuitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.breakers))
	for id := range t.breakers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]CircuitStatus, len(ids))
	for i, id := range ids {
		out[i] = t.statusLocked(id)
	}
	return out
}
