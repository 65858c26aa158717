package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robbyt/go-supervisor/supervisor"

	"github.com/sndwch/cliffracer-sub001/internal/service/finitestate"
)

// drainGrace bounds how long a stopping service may spend draining
// in-flight work. It must exceed the kernel's own handler grace.
const drainGrace = 10 * time.Second

var (
	_ supervisor.Runnable  = (*serviceRunnable)(nil)
	_ supervisor.Stateable = (*serviceRunnable)(nil)
)

// supervised is the slice of the service kernel the restart wrapper
// drives. *service.Service satisfies it.
type supervised interface {
	String() string
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetState() string
	GetStateChan(ctx context.Context) <-chan string
}

// restartPolicy is resolved from the service configuration when the
// service is added.
type restartPolicy struct {
	auto     bool
	delay    time.Duration
	attempts int
}

// serviceRunnable supervises one service. A failed start or a runtime
// failure restarts the service within the configured budget; once the
// budget is spent the runnable marks the service degraded and parks
// until shutdown so the rest of the process keeps running.
type serviceRunnable struct {
	svc    supervised
	policy restartPolicy
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu       sync.Mutex
	restarts int
	degraded bool
	lastErr  error
}

func newServiceRunnable(svc supervised, policy restartPolicy, logger *slog.Logger) *serviceRunnable {
	if policy.attempts < 0 {
		policy.attempts = 0
	}
	return &serviceRunnable{
		svc:    svc,
		policy: policy,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// String implements the supervisor.Runnable interface.
func (r *serviceRunnable) String() string {
	return r.svc.String()
}

// Run implements the supervisor.Runnable interface. It starts the
// service and blocks until ctx is canceled or Stop is called.
func (r *serviceRunnable) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		err := r.svc.Start(ctx)
		if err == nil {
			if err = r.watch(ctx); err == nil {
				return r.stopService()
			}
			// The service failed while running. Unwind the failed
			// instance before deciding on a restart.
			r.stopService()
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt, retry := r.nextAttempt(err)
		if !retry {
			if r.policy.auto {
				r.logger.Error("Service restart budget exhausted, marking degraded",
					"max_attempts", r.policy.attempts, "error", err)
			} else {
				r.logger.Error("Service failed and auto restart is disabled, marking degraded",
					"error", err)
			}
			break
		}
		r.logger.Warn("Service failed, restarting",
			"attempt", attempt,
			"max_attempts", r.policy.attempts,
			"delay", r.policy.delay,
			"error", err)
		select {
		case <-time.After(r.policy.delay):
		case <-ctx.Done():
			return nil
		}
	}

	// Degraded. Hold position until shutdown so sibling services keep
	// running.
	<-ctx.Done()
	return nil
}

// Stop implements the supervisor.Runnable interface.
func (r *serviceRunnable) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// watch blocks while the service runs. It returns nil when ctx ends the
// run and an error when the service reports a failure state. The state
// subscription is scoped to this call so an abandoned channel never
// stalls later transitions.
func (r *serviceRunnable) watch(ctx context.Context) error {
	watchCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()
	states := r.svc.GetStateChan(watchCtx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case state, ok := <-states:
			if !ok {
				return nil
			}
			switch state {
			case finitestate.StatusError:
				return fmt.Errorf("service entered %s state", state)
			case finitestate.StatusStopped:
				return fmt.Errorf("service stopped unexpectedly")
			}
		}
	}
}

// stopService drains the service within the shutdown grace window.
func (r *serviceRunnable) stopService() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if err := r.svc.Stop(ctx); err != nil {
		r.logger.Error("Service stop reported errors", "error", err)
		return err
	}
	return nil
}

// nextAttempt records the failure and decides whether another restart
// fits the budget. It returns false once the service is degraded.
func (r *serviceRunnable) nextAttempt(err error) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = err
	if !r.policy.auto || r.restarts >= r.policy.attempts {
		r.degraded = true
		return 0, false
	}
	r.restarts++
	return r.restarts, true
}

// status returns a point-in-time view of the wrapped service.
func (r *serviceRunnable) status() ServiceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := ServiceStatus{
		Name:     r.svc.Name(),
		State:    r.svc.GetState(),
		Restarts: r.restarts,
		Degraded: r.degraded,
	}
	if r.lastErr != nil {
		st.Err = r.lastErr.Error()
	}
	return st
}

// GetState implements the supervisor.Stateable interface.
func (r *serviceRunnable) GetState() string {
	return r.svc.GetState()
}

// GetStateChan implements the supervisor.Stateable interface.
func (r *serviceRunnable) GetStateChan(ctx context.Context) <-chan string {
	return r.svc.GetStateChan(ctx)
}

// IsRunning implements the supervisor.Stateable interface.
func (r *serviceRunnable) IsRunning() bool {
	return r.svc.GetState() == finitestate.StatusRunning
}
