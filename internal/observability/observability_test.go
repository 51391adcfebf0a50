package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/internal/events"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		input string
		want  map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b = 2", map[string]string{"a": "1", "b": "2"}},
		{"a=1,broken,=x", map[string]string{"a": "1"}},
		{"auth=Basic abc=", map[string]string{"auth": "Basic abc="}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseHeaders(tt.input))
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		require.NoError(t, Init(Config{Enabled: false}))
		ctx, span := StartSpan(context.Background(), "test")
		assert.NotNil(t, ctx)
		span.End()
		require.NoError(t, Shutdown(context.Background()))
	})

	t.Run("stdout", func(t *testing.T) {
		require.NoError(t, Init(Config{Enabled: true, ExporterType: "stdout"}))
		_, span := StartSpan(context.Background(), "test")
		span.End()
		require.NoError(t, Shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		err := Init(Config{Enabled: true, ExporterType: "carrier-pigeon"})
		assert.Error(t, err)
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", "info")
	logger.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "k=v")
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", "debug")

	handler := LogEvents(logger)
	handler(events.Event{
		Name:    events.OperationFailed,
		TaskID:  "t1",
		AgentID: "a1",
		Attempt: 4,
		Err:     errors.New("connection refused"),
		Fields:  map[string]any{"class": "transient"},
	})

	line := strings.TrimSpace(buf.String())
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "operation:failed", rec["event"])
	assert.Equal(t, "t1", rec["task_id"])
	assert.Equal(t, "a1", rec["agent_id"])
	assert.Equal(t, float64(4), rec["attempt"])
	assert.Equal(t, "connection refused", rec["error"])
	assert.Equal(t, "transient", rec["class"])
}

func TestLogEvents_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	handler := LogEvents(NewLogger(&buf, "json", "info"))

	handler(events.Event{Name: events.RetryAttempt, Attempt: 1})
	assert.Empty(t, buf.String())

	handler(events.Event{Name: events.BreakerOpened, AgentID: "a1"})
	assert.Contains(t, buf.String(), "circuit-breaker:opened")
}
