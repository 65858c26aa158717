package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	// Save original default logger to restore after tests
	originalLogger := slog.Default()
	defer slog.SetDefault(originalLogger)

	tests := []struct {
		name          string
		logLevel      string
		logFormat     string
		expectedLevel slog.Level
	}{
		{
			name:          "sets up text logger with debug level",
			logLevel:      "debug",
			logFormat:     "text",
			expectedLevel: slog.LevelDebug,
		},
		{
			name:          "sets up logger with trace level",
			logLevel:      "trace",
			logFormat:     "text",
			expectedLevel: slog.LevelDebug, // Trace maps to debug in the implementation
		},
		{
			name:          "sets up logger with info level",
			logLevel:      "info",
			logFormat:     "text",
			expectedLevel: slog.LevelInfo,
		},
		{
			name:          "sets up logger with warn level",
			logLevel:      "warn",
			logFormat:     "text",
			expectedLevel: slog.LevelWarn,
		},
		{
			name:          "sets up logger with error level",
			logLevel:      "error",
			logFormat:     "text",
			expectedLevel: slog.LevelError,
		},
		{
			name:          "sets up logger with default level when empty",
			logLevel:      "",
			logFormat:     "text",
			expectedLevel: slog.LevelInfo, // Default is info
		},
		{
			name:          "sets up JSON logger with debug level",
			logLevel:      "debug",
			logFormat:     "json",
			expectedLevel: slog.LevelDebug,
		},
		{
			name:          "sets up JSON logger with error level",
			logLevel:      "error",
			logFormat:     "json",
			expectedLevel: slog.LevelError,
		},
		{
			name:          "unknown format falls back to text",
			logLevel:      "warn",
			logFormat:     "yaml",
			expectedLevel: slog.LevelWarn,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Call the function being tested
			require.NoError(t, SetupLogger(tt.logLevel, tt.logFormat, ""))

			// Get the default logger
			logger := slog.Default()

			// Rather than trying to directly extract the level from the slog
			// handler, we use a behavior-based approach to check which level
			// messages will be logged at
			ctx := t.Context()

			actualLevel := slog.LevelInfo
			if logger.Enabled(ctx, slog.LevelDebug) {
				actualLevel = slog.LevelDebug
			} else if logger.Enabled(ctx, slog.LevelInfo) {
				actualLevel = slog.LevelInfo
			} else if logger.Enabled(ctx, slog.LevelWarn) {
				actualLevel = slog.LevelWarn
			} else if logger.Enabled(ctx, slog.LevelError) {
				actualLevel = slog.LevelError
			}

			assert.Equal(t, tt.expectedLevel, actualLevel,
				"Expected log level %s for input %q/%q, but got %s",
				tt.expectedLevel, tt.logLevel, tt.logFormat, actualLevel)
		})
	}
}

func TestSetupLoggerOutput(t *testing.T) {
	originalLogger := slog.Default()
	defer slog.SetDefault(originalLogger)

	t.Run("writes to a file destination", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "demo.log")
		require.NoError(t, SetupLogger("info", "json", path))

		slog.Default().Info("landed in the file")

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "landed in the file")
	})

	t.Run("rejects an unknown destination", func(t *testing.T) {
		require.Error(t, SetupLogger("info", "json", "redis://localhost:6379"))
	})
}
