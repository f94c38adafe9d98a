// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// ParseLevel maps debug, info, warn and error onto slog levels. Unknown
// values fall back to info and report false.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// New returns a JSON logger writing to w at the given level, with
// timestamps formatted as RFC 3339 in UTC.
func New(w io.Writer, level string) *slog.Logger {
	lvl, ok := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
				}
			}
			return a
		},
	}
	logger := slog.New(slog.NewJSONHandler(w, opts))
	if !ok {
		logger.Warn("invalid log level, defaulting to info", "configured", level)
	}
	return logger
}

// Init builds a logger with New and installs it as the slog default.
func Init(w io.Writer, level string) *slog.Logger {
	logger := New(w, level)
	slog.SetDefault(logger)
	return logger
}
