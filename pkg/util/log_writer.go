package util

import "strings"

// LogWriter adapts the logger to io.Writer for libraries that insist on one.
// Safe for concurrent use as long as the underlying Logger is.
type LogWriter struct {
	logFunc func(string)
}

func (w LogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	w.logFunc(msg)
	return len(p), nil
}

func NewInfoWriter(l *Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Infof("%s", msg) }}
}

func NewWarnWriter(l *Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Warnf("%s", msg) }}
}

func NewErrorWriter(l *Logger) LogWriter {
	return LogWriter{logFunc: func(msg string) { l.Errorf("%s", msg) }}
}
