package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
)

func TestSetupHandlerTextLevels(t *testing.T) {
	tests := []struct {
		name       string
		logLevel   string
		logAt      func(*slog.Logger)
		expectText string
	}{
		{
			name:       "info passes at info",
			logLevel:   "info",
			logAt:      func(l *slog.Logger) { l.Info("visible message") },
			expectText: "visible message",
		},
		{
			name:       "debug passes at debug",
			logLevel:   "debug",
			logAt:      func(l *slog.Logger) { l.Debug("visible message") },
			expectText: "visible message",
		},
		{
			name:       "warning alias maps to warn",
			logLevel:   "warning",
			logAt:      func(l *slog.Logger) { l.Warn("visible message") },
			expectText: "visible message",
		},
		{
			name:       "error passes at error",
			logLevel:   "ERROR",
			logAt:      func(l *slog.Logger) { l.Error("visible message") },
			expectText: "visible message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := slog.New(SetupHandlerText(tt.logLevel, buf))
			tt.logAt(logger)
			assert.Contains(t, buf.String(), tt.expectText)
		})
	}
}

func TestSetupHandlerTextFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(SetupHandlerText("error", buf))

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.NotContains(t, output, "warn message")
	assert.Contains(t, output, "error message")
}

func TestSetupHandlerJSONFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(SetupHandlerJSON("warn", buf))

	logger.Info("info message")
	logger.Warn("warn message")

	output := buf.String()
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, `"msg":"warn message"`)
}

func TestSetupHandlerJSONDefaultsToInfo(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(SetupHandlerJSON("bogus", buf))

	logger.Debug("hidden")
	logger.Info("shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, "shown")
}

func TestSetupHandlerWrapsCorrelation(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := SetupHandler("info", FormatJSON, buf)
	logger := slog.New(handler)

	ctx := correlation.WithID(context.Background(), "feedface")
	logger.InfoContext(ctx, "request handled")

	assert.Contains(t, buf.String(), `"correlation_id":"feedface"`)
}

func TestSetupHandlerFormatSelection(t *testing.T) {
	buf := &bytes.Buffer{}

	jsonLogger := slog.New(SetupHandler("info", FormatJSON, buf))
	jsonLogger.Info("json line")
	assert.Contains(t, buf.String(), `"msg":"json line"`)

	buf.Reset()
	textLogger := slog.New(SetupHandler("info", FormatText, buf))
	textLogger.Info("text line")
	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, "text line")
	assert.NotContains(t, out, `"msg"`)
}

func TestSetupHandlerTypes(t *testing.T) {
	buf := &bytes.Buffer{}
	assert.IsType(t, &log.Logger{}, SetupHandlerText("info", buf))
	assert.IsType(t, &slog.JSONHandler{}, SetupHandlerJSON("info", buf))
}

func TestSetupLogger(t *testing.T) {
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	require.NoError(t, SetupLogger("debug", FormatText, ""))
	assert.NotNil(t, slog.Default())
	slog.Default().Info("default logger works")
}

func TestSetupLoggerToFile(t *testing.T) {
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	path := filepath.Join(t.TempDir(), "service.log")
	require.NoError(t, SetupLogger("info", FormatJSON, path))
	slog.Default().Info("written to file")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"written to file"`)
}

func TestSetupLoggerRejectsUnknownOutput(t *testing.T) {
	originalDefault := slog.Default()
	defer slog.SetDefault(originalDefault)

	err := SetupLogger("info", FormatJSON, "redis://localhost:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported log output")
}
