// Package logging defines the Logger interface used by every long-lived
// component in the worker, backed by logrus.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the interface every component depends on; never on logrus
// directly, so an embedder can plug in its own implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithField returns a scoped logger that prefixes every subsequent
	// message with key=value.
	WithField(key string, value interface{}) Logger
}

// logrusLogger adapts *logrus.Entry to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewDefault builds a Logger writing to stderr with the text formatter,
// the default used when the embedder does not supply one.
func NewDefault() Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// New wraps a caller-supplied *logrus.Logger, for embedders that already
// have their own logrus configuration (formatter, hooks, output).
func New(base *logrus.Logger) Logger {
	return &logrusLogger{entry: logrus.NewEntry(base)}
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
