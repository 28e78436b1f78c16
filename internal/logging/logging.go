// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging wraps log/slog with the component-scoped, key/value
// logger used throughout bricks.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a log severity.
type Level = slog.Level

const (
	LevelDebug Level = slog.LevelDebug
	LevelInfo  Level = slog.LevelInfo
	LevelWarn  Level = slog.LevelWarn
	LevelError Level = slog.LevelError
)

// Config controls logger construction.
type Config struct {
	Output io.Writer
	Level  Level
	JSON   bool
	// Syslog, when enabled, tees records to a remote syslog collector.
	Syslog *SyslogConfig
}

// DefaultConfig logs at info level to stderr in text form.
func DefaultConfig() Config {
	return Config{
		Output: os.Stderr,
		Level:  LevelInfo,
	}
}

// ParseLevel maps a config string onto a Level. Unknown strings yield info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a structured logger bound to an optional component name.
type Logger struct {
	slog *slog.Logger
}

// New creates a logger from cfg. A syslog target that cannot be dialled is
// reported on the primary output and otherwise ignored.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var syslogErr error
	if cfg.Syslog != nil && cfg.Syslog.Enabled {
		w, err := NewSyslogWriter(*cfg.Syslog)
		if err != nil {
			syslogErr = err
		} else {
			out = io.MultiWriter(out, w)
		}
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	l := &Logger{slog: slog.New(h)}
	if syslogErr != nil {
		l.Warn("syslog output disabled", "error", syslogErr)
	}
	return l
}

// WithComponent returns a child logger tagged with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{slog: l.slog.With("component", component)}
}

// With returns a child logger with extra key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...)}
}

// Enabled reports whether records at level would be emitted.
func (l *Logger) Enabled(level Level) bool {
	return l.slog.Enabled(context.Background(), level)
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(DefaultConfig()))
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// WithComponent is shorthand for Default().WithComponent.
func WithComponent(component string) *Logger {
	return Default().WithComponent(component)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
