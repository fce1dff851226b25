// Package mlog wraps logrus behind a small interface so every package in
// this module can accept a caller-supplied logger (or silently no-op)
// instead of reaching for the global logger directly, matching how the
// teacher repo calls logrus.Infof/logrus.Fatalf straight from cmd/get but
// keeps the library packages themselves free of a hard logrus dependency
// in their public surface.
package mlog

import "github.com/sirupsen/logrus"

// Logger is the minimal logging surface used throughout this module.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	WithFields(fields logrus.Fields) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// New wraps a *logrus.Logger. A nil logger wraps logrus.StandardLogger().
func New(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithFields(fields logrus.Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(fields)}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any)             {}
func (noopLogger) Infof(string, ...any)              {}
func (noopLogger) Warnf(string, ...any)              {}
func (noopLogger) Errorf(string, ...any)             {}
func (n noopLogger) WithFields(logrus.Fields) Logger { return n }

// Noop is a Logger that discards everything.
var Noop Logger = noopLogger{}

// OrNoop returns l if non-nil, otherwise Noop. Packages call this once at
// construction so internal code never has to nil-check the logger again.
func OrNoop(l Logger) Logger {
	if l == nil {
		return Noop
	}
	return l
}
