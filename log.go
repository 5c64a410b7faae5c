package vkclient

import "github.com/sirupsen/logrus"

// Logger is the structured logging sink the core writes connection
// lifecycle, topology, and redirection events to. The core never imports a
// concrete sink directly; callers may install an alternate implementation
// via WithLogger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type logrusLogger struct {
	entry *logrus.Entry
}

func defaultLogger() Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// withFields returns a Logger carrying the given structured fields on
// every subsequent call, used to tag log lines with node address,
// correlation index, or slot without building format strings by hand.
func withFields(l Logger, fields map[string]any) Logger {
	ll, ok := l.(*logrusLogger)
	if !ok {
		return l
	}
	f := make(logrus.Fields, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return &logrusLogger{entry: ll.entry.WithFields(f)}
}

// noopLogger discards everything; used in tests that don't want log noise.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
