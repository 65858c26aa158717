package testutil

import (
	"bytes"
	"strings"
	"sync"
)

// ThreadSafeBuffer collects concurrent writes, letting tests point a log
// handler at it and read the output back without racing the services
// still logging.
type ThreadSafeBuffer struct {
	mu  sync.RWMutex
	buf bytes.Buffer
}

// Write implements io.Writer
func (b *ThreadSafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far
func (b *ThreadSafeBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf.String()
}

// Lines splits the captured output into non-empty lines, which is how log
// assertions usually want it
func (b *ThreadSafeBuffer) Lines() []string {
	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Reset discards everything captured so far
func (b *ThreadSafeBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}
