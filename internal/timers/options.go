package timers

import (
	"log/slog"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/metrics"
)

// Option configures a Timer.
type Option func(*Timer)

// WithEager makes the first fire happen at start time instead of one
// interval later.
func WithEager() Option {
	return func(t *Timer) {
		t.eager = true
	}
}

// WithMaxDrift sets how far behind schedule a tick may land before the
// schedule is re-anchored to now + interval. Zero re-anchors on any
// lateness.
func WithMaxDrift(d time.Duration) Option {
	return func(t *Timer) {
		t.maxDrift = d
	}
}

// WithStopGrace bounds how long Stop waits for an in-flight invocation.
func WithStopGrace(d time.Duration) Option {
	return func(t *Timer) {
		t.stopGrace = d
	}
}

// WithLogger sets the logger for this timer.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Timer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics wires the timer's counters to the collector under the
// given service label.
func WithMetrics(collector *metrics.Collector, service string) Option {
	return func(t *Timer) {
		t.metrics = collector
		t.service = service
	}
}
