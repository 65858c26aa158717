package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/correlation"
	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/metrics"
	"github.com/sndwch/cliffracer-sub001/internal/retry"
)

// Backoff shape for step attempts. The per-step RetryCount decides how
// many attempts happen; these only pace them.
const (
	stepRetryInitialDelay = 250 * time.Millisecond
	stepRetryMaxDelay     = 5 * time.Second
)

// stopGrace bounds the second wait in Stop after in-flight sagas have
// been asked to wind down.
const stopGrace = 5 * time.Second

// Caller is the RPC surface the coordinator drives participants
// through. *service.Service satisfies it.
type Caller interface {
	CallRPC(ctx context.Context, service, method string, req, resp any) error
}

// Handle identifies a started saga to the caller.
type Handle struct {
	SagaID        string `json:"saga_id"`
	CorrelationID string `json:"correlation_id"`
}

// Coordinator registers saga definitions and runs executions against
// participant services. Each started saga runs in its own goroutine;
// status is polled through Status.
type Coordinator struct {
	caller  Caller
	logger  *slog.Logger
	handler slog.Handler
	alertTo slog.Handler
	store   Store
	metrics *metrics.Collector

	mu    sync.RWMutex
	defs  map[string]Definition
	execs map[string]*Execution

	wg      sync.WaitGroup
	stopped atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// CoordinatorOption configures a Coordinator during construction.
type CoordinatorOption func(*Coordinator)

// WithLogHandler sets the slog handler backing the coordinator's logger
// and every per-saga journal.
func WithLogHandler(handler slog.Handler) CoordinatorOption {
	return func(c *Coordinator) {
		if handler != nil {
			c.handler = handler
		}
	}
}

// WithStore persists saga snapshots on every transition.
func WithStore(store Store) CoordinatorOption {
	return func(c *Coordinator) { c.store = store }
}

// WithMetrics counts finished sagas by outcome.
func WithMetrics(collector *metrics.Collector) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = collector }
}

// WithAlertHandler routes the journal replay raised on compensation
// failure. Defaults to the coordinator's own handler.
func WithAlertHandler(handler slog.Handler) CoordinatorOption {
	return func(c *Coordinator) {
		if handler != nil {
			c.alertTo = handler
		}
	}
}

// NewCoordinator builds a Coordinator that issues participant calls
// through caller.
func NewCoordinator(caller Caller, opts ...CoordinatorOption) (*Coordinator, error) {
	if caller == nil {
		return nil, fmt.Errorf("%w: saga coordinator requires a caller", errz.ErrConfiguration)
	}

	c := &Coordinator{
		caller:  caller,
		handler: slog.Default().Handler(),
		defs:    make(map[string]Definition),
		execs:   make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alertTo == nil {
		c.alertTo = c.handler
	}
	c.logger = slog.New(c.handler).WithGroup("sagaCoordinator")
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	return c, nil
}

// Define registers a saga definition under its type name. Definitions
// are immutable once registered; redefining a type is refused.
func (c *Coordinator) Define(def Definition) error {
	def.Normalize()
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[def.Type]; exists {
		return fmt.Errorf("%w: saga type %q already defined", errz.ErrConfiguration, def.Type)
	}
	c.defs[def.Type] = def
	c.logger.Debug("Saga defined", "saga_type", def.Type, "steps", len(def.Steps))
	return nil
}

// StartSaga begins an execution of the named saga type and returns
// immediately with its identifiers. The run proceeds in the background
// under the definition's budget; poll Status for progress. The payload
// is marshaled once and handed to every step.
func (c *Coordinator) StartSaga(ctx context.Context, sagaType string, data any) (Handle, error) {
	if c.stopped.Load() {
		return Handle{}, fmt.Errorf("%w: saga coordinator is stopped", errz.ErrConfiguration)
	}

	c.mu.RLock()
	def, ok := c.defs[sagaType]
	c.mu.RUnlock()
	if !ok {
		return Handle{}, fmt.Errorf("%w: saga type %q", errz.ErrNotFound, sagaType)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: saga payload: %w", errz.ErrValidation, err)
	}

	cid := correlation.FromContext(ctx)
	if cid == "" {
		cid = correlation.NewID()
	}

	exec, err := newExecution(def, raw, cid, c.handler)
	if err != nil {
		return Handle{}, err
	}

	c.mu.Lock()
	c.execs[exec.ID.String()] = exec
	c.mu.Unlock()

	c.persist(exec)
	c.wg.Add(1)
	go c.run(exec, def)

	return Handle{SagaID: exec.ID.String(), CorrelationID: cid}, nil
}

// Status returns the current snapshot for sagaID. Live executions are
// consulted first, then the store.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (Status, error) {
	c.mu.RLock()
	exec, ok := c.execs[sagaID]
	c.mu.RUnlock()
	if ok {
		return exec.Status(), nil
	}
	if c.store != nil {
		return c.store.Load(ctx, sagaID)
	}
	return Status{}, fmt.Errorf("%w: saga %q", errz.ErrNotFound, sagaID)
}

// Active returns snapshots of every execution not yet in a terminal
// state, oldest first.
func (c *Coordinator) Active() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var active []Status
	for _, exec := range c.execs {
		status := exec.Status()
		if !TerminalState(status.State) {
			active = append(active, status)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].CreatedAt.Equal(active[j].CreatedAt) {
			return active[i].SagaID < active[j].SagaID
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// Stop refuses new sagas and waits for running ones. When the context
// expires before they finish, forward phases are canceled so failing
// sagas roll back, and one bounded grace follows. Compensations in
// flight keep their own budgets either way.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopped.Store(true)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.baseCancel()
		return nil
	case <-ctx.Done():
	}

	c.baseCancel()
	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		c.logger.Error("Abandoning sagas still running after stop grace")
		return fmt.Errorf("%w: sagas outlived stop grace", errz.ErrSagaCompensation)
	}
}

// run drives one execution through its forward phase and, on failure,
// hands off to compensation. Runs on its own goroutine.
func (c *Coordinator) run(exec *Execution, def Definition) {
	defer c.wg.Done()

	fctx, cancel := context.WithTimeout(c.baseCtx, def.Budget)
	defer cancel()
	fctx = correlation.WithID(fctx, exec.CorrelationID)

	if err := exec.begin(); err != nil {
		return
	}
	c.persist(exec)

	for i, step := range def.Steps {
		if err := exec.beginStep(i); err != nil {
			return
		}
		c.persist(exec)

		result, err := c.runStep(fctx, exec, i, step)
		if err != nil {
			_ = exec.failStep(i, err)
			c.persist(exec)
			_ = exec.markFailed(step.Name, err)
			c.persist(exec)
			c.compensate(exec, def)
			return
		}

		_ = exec.completeStep(i, result)
		c.persist(exec)
	}

	_ = exec.markCompleted()
	c.persist(exec)
	c.metrics.CountSaga(def.Type, "completed")
}

// runStep issues the forward call for step i, retrying every failure
// within the step's allowance and the saga budget carried by ctx.
func (c *Coordinator) runStep(ctx context.Context, exec *Execution, i int, step Step) (json.RawMessage, error) {
	req := exec.stepRequest(i, false)

	policy := retry.Policy{
		MaxAttempts:   step.RetryCount + 1,
		InitialDelay:  stepRetryInitialDelay,
		MaxDelay:      stepRetryMaxDelay,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		Retryable:     func(error) bool { return true },
		OnRetry: func(attempt int, err error) {
			exec.logger.Warn("Step attempt failed, retrying",
				"step", step.Name, "attempt", attempt, "error", err)
		},
	}

	var result json.RawMessage
	err := policy.Do(ctx, func(ctx context.Context) error {
		exec.recordAttempt(i)
		actx, cancel := context.WithTimeout(ctx, step.Timeout)
		defer cancel()

		var res json.RawMessage
		if err := c.caller.CallRPC(actx, step.Target, step.Action, req, &res); err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// compensate rolls back every completed step in strict reverse order.
// It runs under a fresh budget detached from the forward context, so a
// saga canceled mid-flight still cleans up after itself. The first
// compensation that exhausts its retries ends the saga in
// compensation_failed; the remaining steps are left for the operator.
func (c *Coordinator) compensate(exec *Execution, def Definition) {
	completed := exec.completedStepIndexes()
	if len(completed) == 0 {
		_ = exec.markCompensated()
		c.persist(exec)
		c.metrics.CountSaga(def.Type, "compensated")
		return
	}

	if err := exec.beginCompensation(); err != nil {
		return
	}
	c.persist(exec)

	cctx, cancel := context.WithTimeout(context.Background(), def.Budget)
	defer cancel()
	cctx = correlation.WithID(cctx, exec.CorrelationID)

	for i := len(completed) - 1; i >= 0; i-- {
		idx := completed[i]
		step := def.Steps[idx]

		if err := exec.beginStepCompensation(idx); err != nil {
			return
		}
		c.persist(exec)

		if err := c.runCompensation(cctx, exec, idx, step, def.CompensationRetries); err != nil {
			_ = exec.failStepCompensation(idx, err)
			c.persist(exec)
			wrapped := fmt.Errorf("%w: step %q: %w", errz.ErrSagaCompensation, step.Name, err)
			_ = exec.markCompensationFailed(wrapped)
			c.persist(exec)
			c.alert(exec)
			c.metrics.CountSaga(def.Type, "compensation_failed")
			return
		}

		_ = exec.compensateStep(idx)
		c.persist(exec)
	}

	_ = exec.markCompensated()
	c.persist(exec)
	c.metrics.CountSaga(def.Type, "compensated")
}

// runCompensation issues the rollback call for completed step idx with
// its original forward result attached.
func (c *Coordinator) runCompensation(ctx context.Context, exec *Execution, idx int, step Step, retries int) error {
	req := exec.stepRequest(idx, true)

	policy := retry.Policy{
		MaxAttempts:   retries + 1,
		InitialDelay:  stepRetryInitialDelay,
		MaxDelay:      stepRetryMaxDelay,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		Retryable:     func(error) bool { return true },
		OnRetry: func(attempt int, err error) {
			exec.logger.Warn("Compensation attempt failed, retrying",
				"step", step.Name, "attempt", attempt, "error", err)
		},
	}

	return policy.Do(ctx, func(ctx context.Context) error {
		exec.recordAttempt(idx)
		actx, cancel := context.WithTimeout(ctx, step.Timeout)
		defer cancel()
		return c.caller.CallRPC(actx, step.Target, step.Compensation, req, nil)
	})
}

// alert raises the durable operator signal for a saga that could not
// roll back: one error line plus the full journal replay.
func (c *Coordinator) alert(exec *Execution) {
	c.logger.Error("Saga compensation failed, manual intervention required",
		"saga_id", exec.ID,
		"saga_type", exec.Type,
		"correlation_id", exec.CorrelationID)
	if err := exec.PlaybackLogs(c.alertTo); err != nil {
		c.logger.Error("Failed to replay saga journal", "saga_id", exec.ID, "error", err)
	}
}

// persist writes the execution snapshot through the store, when one is
// configured. Persistence failures never fail the saga.
func (c *Coordinator) persist(exec *Execution) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.Save(ctx, exec.Status()); err != nil {
		c.logger.Warn("Failed to persist saga snapshot", "saga_id", exec.ID, "error", err)
	}
}
