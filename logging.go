package momonga

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal interface the three named sinks speak. It is
// satisfied by *logrus.Entry, which is what the three default sinks
// are, but callers may supply their own implementation (an
// adapter over slog, zap, a test spy, etc) through SetSKLogger,
// SetSessionLogger and SetEchonetLogger.
//
// The three sinks are process-wide collaborators: swap them before
// constructing a Client, or leave the defaults in place and tune the
// logrus level instead.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// named sinks, one per layer of the pipeline. Each defaults to a
// logrus.Entry tagged with its own "component" field so records from
// all three can be told apart in a shared log stream.
var (
	skLogger      Logger = newDefaultLogger("sk")
	sessionLogger Logger = newDefaultLogger("session")
	echonetLogger Logger = newDefaultLogger("echonet")
)

func newDefaultLogger(component string) Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l.WithField("component", component)
}

// SetSKLogger replaces the sink used by the sk package (line framer and
// command dispatcher traffic).
func SetSKLogger(l Logger) { skLogger = l }

// SetSessionLogger replaces the sink used by the session package
// (PAN scan, PANA join/rejoin, transmission-gate lifecycle).
func SetSessionLogger(l Logger) { sessionLogger = l }

// SetEchonetLogger replaces the sink used by the echonet and meter
// packages (frame build/parse, TID matching, codec decisions).
func SetEchonetLogger(l Logger) { echonetLogger = l }

// SKLogger returns the current sk-layer logger.
func SKLogger() Logger { return skLogger }

// SessionLogger returns the current session-layer logger.
func SessionLogger() Logger { return sessionLogger }

// EchonetLogger returns the current echonet/meter-layer logger.
func EchonetLogger() Logger { return echonetLogger }
