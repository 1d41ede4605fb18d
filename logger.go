package taskwire

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used by the backend.
type Logger interface {
	Printf(format string, v ...interface{})
}

// logrusLogger adapts a logrus logger to the Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

func (w logrusLogger) Printf(format string, v ...interface{}) {
	w.l.Infof(format, v...)
}

// newDefaultLogger builds the logger used when none is configured. The
// level can be raised via the TASKWIRE_LOG_LEVEL environment variable.
func newDefaultLogger() Logger {
	l := logrus.New()
	switch os.Getenv("TASKWIRE_LOG_LEVEL") {
	case "DEBUG":
		l.SetLevel(logrus.DebugLevel)
	case "WARN":
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logrusLogger{l: l}
}
