package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/aixgo-dev/conductor/internal/events"
)

// NewLogger builds a slog logger writing to w. format is "json" or "text";
// level is one of debug, info, warn, error.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogEvents returns an event handler that writes each lifecycle event as one
// log record. Failures log at warn, everything else at debug except breaker
// transitions, which log at info.
func LogEvents(logger *slog.Logger) events.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(e events.Event) {
		attrs := []slog.Attr{slog.String("event", string(e.Name))}
		if e.TaskID != "" {
			attrs = append(attrs, slog.String("task_id", e.TaskID))
		}
		if e.AgentID != "" {
			attrs = append(attrs, slog.String("agent_id", e.AgentID))
		}
		if e.Attempt > 0 {
			attrs = append(attrs, slog.Int("attempt", e.Attempt))
		}
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		for k, v := range e.Fields {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(context.Background(), levelFor(e.Name), "lifecycle event", attrs...)
	}
}

func levelFor(name events.Name) slog.Level {
	switch name {
	case events.OperationFailed, events.FallbackFailed:
		return slog.LevelWarn
	case events.BreakerOpened, events.BreakerReset:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
