package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_EmitAndUnsubscribe(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	unsubscribe := bus.Subscribe(rec.Handle)

	bus.Emit(Event{Name: RetryAttempt, TaskID: "t1", AgentID: "a1", Attempt: 1})
	assert.Equal(t, 1, rec.Count(RetryAttempt))

	got := rec.Events()[0]
	assert.Equal(t, "t1", got.TaskID)
	assert.False(t, got.Timestamp.IsZero(), "timestamp should be stamped")

	unsubscribe()
	bus.Emit(Event{Name: RetryAttempt})
	assert.Equal(t, 1, rec.Count(RetryAttempt))
}

func TestBus_NilIsSafe(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() {
		bus.Emit(Event{Name: OperationFailed})
	})
}

func TestEvent_Field(t *testing.T) {
	e := Event{Fields: map[string]any{"attempts": 4}}
	assert.Equal(t, 4, e.Field("attempts"))
	assert.Nil(t, Event{}.Field("missing"))
}
