// Package writers resolves log output destinations into io.Writers. A
// destination names a process stream ("stdout", "stderr") or a file, given
// as a plain path or with a file:// prefix. Files open in append mode and
// missing parent directories are created on the way.
package writers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Resolve maps a destination string to its writer. The empty destination
// resolves to a nil writer, which tells the handler setup to keep its
// default stream. A bare word that is not a recognized stream is rejected
// rather than treated as a file, so a typo does not silently create one.
func Resolve(output string) (io.Writer, error) {
	switch output {
	case "":
		return nil, nil
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if path, ok := strings.CutPrefix(output, "file://"); ok {
		return openFile(path)
	}
	if strings.Contains(output, "://") || !strings.ContainsAny(output, `/\`) {
		return nil, fmt.Errorf("unsupported log output %q", output)
	}
	return openFile(output)
}

// openFile opens path for appending, creating parent directories first.
func openFile(path string) (io.Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return file, nil
}
