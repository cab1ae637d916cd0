package logging

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// ContextWithLogger returns a context carrying the given logger, which
// [ContextLogger] will then return for that context and its descendents.
func ContextWithLogger(parentCtx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(parentCtx, loggerContextKey, logger)
}

// ContextWithFields returns a context whose logger is the parent context's
// logger with some additional fields.
func ContextWithFields(parentCtx context.Context, fields logrus.Fields) context.Context {
	return ContextWithLogger(parentCtx, ContextLogger(parentCtx).WithFields(fields))
}

// ContextLogger returns the logger associated with the given context, or
// the standard logger if there is none.
func ContextLogger(ctx context.Context) *logrus.Entry {
	logger, _ := ctx.Value(loggerContextKey).(*logrus.Entry)
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return logger
}

// ContextLoggerRequest logs the start of some operation at debug level and
// returns a function to call to log its end.
func ContextLoggerRequest(ctx context.Context, f string, args ...any) (*logrus.Entry, func()) {
	logger := ContextLogger(ctx)
	reqType := fmt.Sprintf(f, args...)
	logger.Debug("BEGIN ", reqType)
	return logger, func() {
		logger.Debug("END ", reqType)
	}
}

// NewLogger constructs the root logger for the program, writing to the
// given writer at the given level in either "text" or "json" format.
func NewLogger(w io.Writer, level string, format string) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return logrus.NewEntry(logger), nil
}

// Discard returns a logger that throws away everything, for tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

type contextKey string

const loggerContextKey = contextKey("logger")
