package corun

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the runtime's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the runtime's logger.
// This must be called before any pool is created.
func SetLogger(l *zap.Logger) {
	logger = l
}

// errorFields describes err for a log entry. A recovered panic also
// gets the stack of the coroutine that raised it.
func errorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	var pe *panicError
	if errors.As(err, &pe) {
		fields = append(fields, zap.String("stack", pe.DebugString()))
	}
	return fields
}
