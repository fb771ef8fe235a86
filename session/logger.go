package session

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal logging interface the session package needs. It
// is satisfied by *logrus.Entry (the default) and by momonga.Logger, so
// callers can pass the value returned by momonga.SessionLogger() without
// an adapter.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

func newDefaultLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l.WithField("component", "session")
}
