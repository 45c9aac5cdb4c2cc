package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

// Config controls the format and level of the application logger.
type Config struct {
	// text or json
	Format string
	Level  string
}

// ConfigureApplicationLogging sets up the standard logrus logger for a long-running process.
func ConfigureApplicationLogging(config Config) error {
	level := logrus.InfoLevel
	if config.Level != "" {
		parsed, err := logrus.ParseLevel(config.Level)
		if err != nil {
			return errors.WithStack(err)
		}
		level = parsed
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
	switch strings.ToLower(config.Format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", config.Format)
	}
	return nil
}

// ConfigureCliLogging sets up a minimal logger for short-lived command line tools.
func ConfigureCliLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logrus.SetOutput(os.Stderr)
}

// WithStacktrace adds error information and, if available, a stack trace to the provided logrus.Entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the chain of causes and returns the first stack trace found, or nil.
func ExtractStack(err error) errors.StackTrace {
	if stackErr, ok := err.(stackTracer); ok {
		return stackErr.StackTrace()
	} else if causeErr, ok := err.(causer); ok {
		return ExtractStack(causeErr.Cause())
	}
	return nil
}
