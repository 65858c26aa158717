// Package logging builds the slog handlers used across the framework. Text
// output goes through the charmbracelet handler, JSON through the stdlib
// handler, and both are wrapped so records carry the correlation ID from
// their context.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/logging/writers"
)

// FormatText and FormatJSON are the recognized values for the log format
// option.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// SetupHandlerText configures a text slog handler with the provided writer
// and log level. Trace enables caller reporting, trace and debug enable
// timestamps.
func SetupHandlerText(logLevel string, writer io.Writer) slog.Handler {
	if writer == nil {
		writer = os.Stderr
	}

	reportCaller := false
	reportTimestamp := false
	lvl := log.InfoLevel
	switch strings.ToLower(logLevel) {
	case "trace":
		reportCaller = true
		reportTimestamp = true
		lvl = log.DebugLevel
	case "debug":
		reportTimestamp = true
		lvl = log.DebugLevel
	case "info":
		lvl = log.InfoLevel
	case "warn", "warning":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}

	return log.NewWithOptions(writer, log.Options{
		ReportTimestamp: reportTimestamp,
		ReportCaller:    reportCaller,
		Level:           lvl,
	})
}

// SetupHandlerJSON configures a JSON slog handler with the provided writer
// and log level.
func SetupHandlerJSON(logLevel string, writer io.Writer) slog.Handler {
	if writer == nil {
		writer = os.Stdout
	}

	addSource := false
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "trace":
		addSource = true
		level = slog.LevelDebug
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	})
}

// SetupHandler builds the handler for the given level and format and wraps
// it so every record logged with a request context carries the correlation
// ID.
func SetupHandler(logLevel, format string, writer io.Writer) slog.Handler {
	var inner slog.Handler
	switch strings.ToLower(format) {
	case FormatJSON:
		inner = SetupHandlerJSON(logLevel, writer)
	default:
		inner = SetupHandlerText(logLevel, writer)
	}
	return correlation.NewLogHandler(inner)
}

// SetupLogger installs the default slog logger for the process. The output
// destination is resolved by the writers package; leaving it empty keeps
// each format's default stream.
func SetupLogger(logLevel, format, output string) error {
	writer, err := writers.Resolve(output)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(SetupHandler(logLevel, format, writer)))
	return nil
}
