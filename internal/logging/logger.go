// Package logging provides structured logging for go-ffmpeg-videosource.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger writing to stderr.
// Format should be "json" or "text".
// Level should be "debug", "info", "warn", or "error".
func NewLogger(format, level string, verbose bool) *slog.Logger {
	logLevel := ParseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}
	// Anything but "text" is JSON.
	json := !strings.EqualFold(format, "text")
	return newLogger(os.Stderr, json, logLevel, logLevel == slog.LevelDebug)
}

// NewLoggerWithWriter creates a logger that writes to a custom writer.
// Useful for testing and for routing logs away from the TUI. Any format
// other than "json" produces text.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	return newLogger(w, strings.EqualFold(format, "json"), ParseLevel(level), false)
}

func newLogger(w io.Writer, json bool, level slog.Level, addSource bool) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}

	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel converts a string level to slog.Level. Unknown values map to
// info.
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

// ValidLevel reports whether level is one ParseLevel understands.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
