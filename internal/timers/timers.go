// Package timers drives periodic handler execution. Each timer fires at
// last_fire + interval, re-anchors to now + interval when it falls
// behind by more than the configured max drift, and never runs more
// than one invocation at a time. Ticks arriving while a run is still in
// flight are skipped and counted, not queued.
package timers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
)

// DefaultStopGrace bounds how long Stop waits for an in-flight
// invocation before cancelling its context.
const DefaultStopGrace = 5 * time.Second

// Func is a timer body. The context is cancelled when the timer stops.
type Func func(ctx context.Context) error

// Stats is a point-in-time snapshot of a timer's counters.
type Stats struct {
	ExecutionCount uint64
	ErrorCount     uint64
	MissedTicks    uint64
	DriftResets    uint64
	LastFire       time.Time
	LastError      string
	MeanLatency    time.Duration
	InFlight       bool
}

// Timer schedules one periodic function.
type Timer struct {
	name      string
	interval  time.Duration
	maxDrift  time.Duration
	eager     bool
	stopGrace time.Duration
	fn        Func

	logger  *slog.Logger
	metrics *metrics.Collector
	service string

	mu           sync.Mutex
	execCount    uint64
	errCount     uint64
	missedTicks  uint64
	driftResets  uint64
	completed    uint64
	totalLatency time.Duration
	lastFire     time.Time
	lastErr      string

	running  atomic.Bool
	inFlight atomic.Bool
	execWG   sync.WaitGroup

	loopCancel context.CancelFunc
	execCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds a timer. The interval must be positive. Max drift defaults
// to the interval and may be lowered to zero via WithMaxDrift.
func New(name string, interval time.Duration, fn Func, opts ...Option) (*Timer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: timer name is required", errz.ErrConfiguration)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: timer %q interval must be positive", errz.ErrConfiguration, name)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: timer %q has no function", errz.ErrConfiguration, name)
	}

	t := &Timer{
		name:      name,
		interval:  interval,
		maxDrift:  interval,
		stopGrace: DefaultStopGrace,
		fn:        fn,
		logger:    slog.Default().WithGroup("timers"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxDrift < 0 {
		return nil, fmt.Errorf("%w: timer %q max drift cannot be negative", errz.ErrConfiguration, name)
	}
	return t, nil
}

func (t *Timer) Name() string { return t.name }

func (t *Timer) Interval() time.Duration { return t.interval }

func (t *Timer) Running() bool { return t.running.Load() }

// Start launches the scheduler loop. The loop and all invocations stop
// when the provided context is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) error {
	if t.running.Swap(true) {
		return fmt.Errorf("%w: timer %q already started", errz.ErrConfiguration, t.name)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(ctx)
	t.loopCancel = loopCancel
	t.execCancel = execCancel
	t.loopDone = make(chan struct{})

	t.logger.Debug("starting timer", "timer", t.name, "interval", t.interval, "eager", t.eager)
	go t.loop(loopCtx, execCtx)
	return nil
}

// Stop cancels pending fires, waits up to the stop grace for an
// in-flight invocation, then cancels it. Idempotent.
func (t *Timer) Stop(ctx context.Context) error {
	if !t.running.Swap(false) {
		return nil
	}

	t.loopCancel()
	<-t.loopDone

	finished := make(chan struct{})
	go func() {
		t.execWG.Wait()
		close(finished)
	}()

	grace := time.NewTimer(t.stopGrace)
	defer grace.Stop()

	select {
	case <-finished:
	case <-grace.C:
		t.logger.Warn("timer stop grace expired, cancelling in-flight run", "timer", t.name)
		t.execCancel()
		select {
		case <-finished:
		case <-ctx.Done():
			return fmt.Errorf("%w: timer %q did not stop: %w", errz.ErrTimerExecution, t.name, ctx.Err())
		}
	case <-ctx.Done():
		t.execCancel()
		return fmt.Errorf("%w: timer %q did not stop: %w", errz.ErrTimerExecution, t.name, ctx.Err())
	}

	t.execCancel()
	t.logger.Debug("timer stopped", "timer", t.name)
	return nil
}

// Stats returns a snapshot of the timer's counters.
func (t *Timer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		ExecutionCount: t.execCount,
		ErrorCount:     t.errCount,
		MissedTicks:    t.missedTicks,
		DriftResets:    t.driftResets,
		LastFire:       t.lastFire,
		LastError:      t.lastErr,
		InFlight:       t.inFlight.Load(),
	}
	if t.completed > 0 {
		s.MeanLatency = t.totalLatency / time.Duration(t.completed)
	}
	return s
}

func (t *Timer) loop(loopCtx, execCtx context.Context) {
	defer close(t.loopDone)

	next := time.Now().Add(t.interval)
	if t.eager {
		next = time.Now()
	}
	tick := time.NewTimer(time.Until(next))
	defer tick.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-tick.C:
			now := time.Now()
			t.fire(execCtx, now)

			if lateness := now.Sub(next); lateness > t.maxDrift {
				next = now.Add(t.interval)
				t.mu.Lock()
				t.driftResets++
				t.mu.Unlock()
				t.logger.Warn("timer drifted, re-anchoring schedule",
					"timer", t.name, "lateness", lateness, "max_drift", t.maxDrift)
			} else {
				next = next.Add(t.interval)
			}
			tick.Reset(time.Until(next))
		}
	}
}

// fire runs one invocation on its own goroutine. A tick that arrives
// while the previous invocation is still in flight is skipped.
func (t *Timer) fire(execCtx context.Context, scheduled time.Time) {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.mu.Lock()
		t.missedTicks++
		t.mu.Unlock()
		t.metrics.CountMissedTick(t.service, t.name)
		t.logger.Debug("timer tick skipped, previous run in flight", "timer", t.name)
		return
	}

	t.mu.Lock()
	t.execCount++
	t.lastFire = scheduled
	t.mu.Unlock()
	t.metrics.CountTimerExecution(t.service, t.name)

	t.execWG.Add(1)
	go func() {
		defer t.execWG.Done()
		defer t.inFlight.Store(false)

		ctx, _ := correlation.Ensure(execCtx)
		start := time.Now()
		err := t.invoke(ctx)
		elapsed := time.Since(start)

		t.mu.Lock()
		t.completed++
		t.totalLatency += elapsed
		if err != nil {
			t.errCount++
			t.lastErr = err.Error()
		}
		t.mu.Unlock()

		if err != nil {
			t.metrics.CountTimerError(t.service, t.name)
			t.logger.ErrorContext(ctx, "timer execution failed",
				"timer", t.name, "duration", elapsed, "error", err)
		}
	}()
}

func (t *Timer) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: timer %q panicked: %v", errz.ErrTimerExecution, t.name, r)
		}
	}()

	if err := t.fn(ctx); err != nil {
		return fmt.Errorf("%w: timer %q: %w", errz.ErrTimerExecution, t.name, err)
	}
	return nil
}
