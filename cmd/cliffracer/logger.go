package main

import (
	"github.com/sndwch/cliffracer-sub001/internal/logging"
)

// SetupLogger configures the default logger based on the provided log
// level, format, and output destination
func SetupLogger(logLevel, logFormat, logOutput string) error {
	return logging.SetupLogger(logLevel, logFormat, logOutput)
}
