package testutil

import (
	"log/slog"

	"github.com/sndwch/cliffracer-sub001/internal/logging"
)

// NewLogCapture returns a JSON slog handler writing into a thread-safe
// buffer. Records carry the correlation ID from their context, so tests
// can assert it propagated.
func NewLogCapture(logLevel string) (slog.Handler, *ThreadSafeBuffer) {
	buf := &ThreadSafeBuffer{}
	return logging.SetupHandler(logLevel, logging.FormatJSON, buf), buf
}
