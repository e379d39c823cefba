// Package logging configures the JSON slog logger used by every binary.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// NewLogger writes JSON records to stdout, each tagged with service.
func NewLogger(service, level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level).With("service", service)
}

// NewLoggerTo writes to w; tests pass io.Discard or a buffer.
func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortSource,
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard drops everything.
func Discard() *slog.Logger { return NewLoggerTo(io.Discard, "error") }

// ParseLevel maps debug, warn/warning and error; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// shortSource logs "dir/file.go:line" instead of the full source struct.
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	src, ok := a.Value.Any().(*slog.Source)
	if !ok || src == nil {
		return a
	}
	file := filepath.Join(filepath.Base(filepath.Dir(src.File)), filepath.Base(src.File))
	return slog.String(slog.SourceKey, file+":"+strconv.Itoa(src.Line))
}
