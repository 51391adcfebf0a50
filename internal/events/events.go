// Package events carries the lifecycle event stream emitted by the scheduling
// core. The core only emits; logging, metrics and dashboards subscribe.
package events

import (
	"sync"
	"time"
)

// Name identifies a lifecycle event.
type Name string

const (
	RetryAttempt         Name = "retry:attempt"
	OperationSuccess     Name = "operation:success"
	OperationFailed      Name = "operation:failed"
	BreakerOpened        Name = "circuit-breaker:opened"
	BreakerReset         Name = "circuit-breaker:reset"
	FallbackSuccess      Name = "fallback:success"
	FallbackFailed       Name = "fallback:failed"
	HealthCheckCompleted Name = "health-check:completed"
	RecoveryApplied      Name = "recovery:applied"

	DistributionCompleted Name = "distribution:completed"
	PipelineStage         Name = "pipeline:stage"
	PipelineCompleted     Name = "pipeline:completed"
)

// Event is a single structured lifecycle record.
type Event struct {
	Name      Name
	Timestamp time.Time
	TaskID    string
	AgentID   string
	Attempt   int
	Err       error
	Fields    map[string]any
}

// Field returns a field value or nil.
func (e Event) Field(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// Handler consumes events. Handlers run synchronously on the emitting
// goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers. A nil *Bus drops everything, so
// components can emit unconditionally.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Emit delivers e to every subscriber, stamping the timestamp if unset.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Recorder is a Handler that keeps every event it sees. Useful in tests and
// for short-lived diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle implements Handler.
func (r *Recorder) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events with the given name were recorded.
func (r *Recorder) Count(name Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name == name {
			n++
		}
	}
	return n
}
