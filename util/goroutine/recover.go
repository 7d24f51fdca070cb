package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"eventd/metrics"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from a panic, logs it with its stack and counts it.
// It must be deferred directly: defer goroutine.Recover("name", logger).
// If logger is nil the panic is written to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, StackTraceBufferSize)
		n := runtime.Stack(buf, false)

		metrics.GoroutinePanics.WithLabelValues(name).Inc()

		if logger != nil {
			logger.Errorw("Panic recovered",
				"goroutine", name,
				"panic", r,
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "PANIC in %s (no logger): %v\n%s\n",
				name, r, string(buf[:n]))
		}
	}
}

// Go runs fn on a new goroutine with panic recovery
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}
