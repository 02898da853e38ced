// Package logging provides the structured logger interface shared by every
// component in the runtime.
package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger is the logging interface every component accepts through its
// constructor. Components never reach for a package-level global; the
// launcher builds the root logger once and derives named children from it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that attaches the given key/value pairs
	// to every subsequent record.
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// FromSlog wraps an existing *slog.Logger.
func FromSlog(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

// New builds the root logger from a textual level ("debug", "info", "warn",
// "error") writing to stderr, matching the level names accepted by the
// root descriptor's system.log_level field.
func New(level string) Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &slogLogger{l: slog.New(h)}
}

// Named returns a child logger scoped to a specific component.
func Named(parent Logger, name string) Logger {
	return parent.With("component", name)
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// Discard is a Logger that drops everything; useful in tests.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
func (discardLogger) With(...any) Logger   { return discardLogger{} }

// Errorf constructs, logs, and returns an error in one call.
func Errorf(l Logger, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	l.Error(err.Error())
	return err
}
