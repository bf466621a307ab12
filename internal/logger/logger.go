// Package logger configures the process-wide slog logger.
//
// Log lines are formatted as "[15:04:05] [LEVEL] message key=value ..." and
// can be fanned out to several writers, each with its own minimum level
// (e.g. everything to a file, warnings and above to stderr).
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	levelMu     sync.RWMutex
	globalLevel = slog.LevelInfo
)

// SetLevel sets the global log level from a string such as "debug" or "warn".
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = level
}

// ParseLevel parses a string to an slog level. Unknown strings map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// leveledHandler writes formatted log lines to multiple outputs, each with
// its own minimum level.
type leveledHandler struct {
	mu      sync.Mutex
	outputs map[io.Writer]slog.Level
	attrs   []slog.Attr
}

// NewHandler creates a handler with per-output minimum levels.
func NewHandler(outputs map[io.Writer]slog.Level) slog.Handler {
	return &leveledHandler{outputs: outputs}
}

// Enabled implements slog.Handler.
func (h *leveledHandler) Enabled(ctx context.Context, level slog.Level) bool {
	levelMu.RLock()
	defer levelMu.RUnlock()
	if level < globalLevel {
		return false
	}
	for _, outLevel := range h.outputs {
		if level >= outLevel {
			return true
		}
	}
	return false
}

// Handle implements slog.Handler.
func (h *leveledHandler) Handle(ctx context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(record.Time.Format("15:04:05"))
	sb.WriteString("] [")
	sb.WriteString(strings.ToUpper(record.Level.String()))
	sb.WriteString("] ")
	sb.WriteString(record.Message)

	for _, a := range h.attrs {
		sb.WriteString(" " + a.Key + "=" + a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		sb.WriteString(" " + a.Key + "=" + a.Value.String())
		return true
	})
	sb.WriteString("\n")
	line := []byte(sb.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for out, outLevel := range h.outputs {
		if record.Level >= outLevel && out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *leveledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &leveledHandler{
		outputs: h.outputs,
		attrs:   append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler.
func (h *leveledHandler) WithGroup(name string) slog.Handler {
	return h
}

// Init installs the default logger writing to the given outputs at the
// global level.
func Init(outputs ...io.Writer) {
	m := make(map[io.Writer]slog.Level, len(outputs))
	for _, out := range outputs {
		m[out] = slog.LevelDebug
	}
	slog.SetDefault(slog.New(NewHandler(m)))
}

// InitWithLevels installs the default logger with per-output levels.
func InitWithLevels(outputs map[io.Writer]slog.Level) {
	slog.SetDefault(slog.New(NewHandler(outputs)))
}
