// Package logging builds the process-wide [log/slog] logger. Switchboard
// emits JSON lines only; request-scoped fields are attached downstream by the
// middleware layer, so the factory stays this small.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// levelNames maps accepted LOG_LEVEL values to slog levels. "warning" stays
// as an alias because older deployments configured it that way.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New returns the server logger: JSON to stderr at the given minimum level.
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter is [New] with an explicit sink, used by tests to capture
// output.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// ParseLevel resolves a level name case-insensitively. Empty and unknown
// names fall back to info; a bad LOG_LEVEL never errors.
func ParseLevel(s string) slog.Level {
	if level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level
	}
	return slog.LevelInfo
}
