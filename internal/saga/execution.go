package saga

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/robbyt/go-loglater"

	"github.com/sndwch/cliffracer-sub001/internal/saga/finitestate"
)

// Execution is one live run of a saga definition. It owns the saga
// state machine, one state machine per step, and a log journal that can
// be replayed after the fact. All mutators are safe for concurrent use;
// the coordinator drives transitions from the saga goroutine while
// status polls arrive from anywhere.
type Execution struct {
	// ID is the unique identifier for this run.
	ID uuid.UUID

	// Type names the definition this run was started from.
	Type string

	// CorrelationID threads the whole saga through logs and RPC calls.
	CorrelationID string

	CreatedAt time.Time

	def Definition
	fsm finitestate.Machine

	logger       *slog.Logger
	logCollector *loglater.LogCollector

	mu          sync.RWMutex
	steps       []*stepExec
	data        json.RawMessage
	currentStep int
	lastErr     string
	updatedAt   time.Time
}

// stepExec tracks one step's state machine and attempt bookkeeping.
// Mutable fields are guarded by the owning Execution's mutex.
type stepExec struct {
	def      Step
	fsm      finitestate.Machine
	attempts int
	result   json.RawMessage
	errMsg   string
}

// newExecution builds an Execution for the definition with every step
// Pending. The definition must already be normalized and validated.
func newExecution(
	def Definition,
	data json.RawMessage,
	correlationID string,
	handler slog.Handler,
) (*Execution, error) {
	sagaID := uuid.Must(uuid.NewV6())

	sm, err := finitestate.NewSagaMachine(handler)
	if err != nil {
		return nil, fmt.Errorf("%s failed to create state machine: %w", sagaID, err)
	}

	steps := make([]*stepExec, 0, len(def.Steps))
	for _, stepDef := range def.Steps {
		stepFSM, err := finitestate.NewStepMachine(handler)
		if err != nil {
			return nil, fmt.Errorf("%s failed to create step machine for %q: %w", sagaID, stepDef.Name, err)
		}
		steps = append(steps, &stepExec{def: stepDef, fsm: stepFSM})
	}

	logCollector := loglater.NewLogCollector(handler)
	logger := slog.New(logCollector).With(
		"saga_id", sagaID,
		"saga_type", def.Type,
		"correlation_id", correlationID)

	exec := &Execution{
		ID:            sagaID,
		Type:          def.Type,
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
		def:           def,
		fsm:           sm,
		logger:        logger,
		logCollector:  logCollector,
		steps:         steps,
		data:          data,
		updatedAt:     time.Now(),
	}

	exec.logger.Info("Saga created", "steps", len(def.Steps))
	return exec, nil
}

// GetState returns the saga's current state.
func (e *Execution) GetState() string {
	return e.fsm.GetState()
}

// Status returns a point-in-time snapshot suitable for persistence or
// polling callers.
func (e *Execution) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	steps := make([]StepStatus, 0, len(e.steps))
	for _, step := range e.steps {
		steps = append(steps, StepStatus{
			Name:     step.def.Name,
			State:    step.fsm.GetState(),
			Attempts: step.attempts,
			Result:   step.result,
			Error:    step.errMsg,
		})
	}

	return Status{
		SagaID:        e.ID.String(),
		Type:          e.Type,
		CorrelationID: e.CorrelationID,
		State:         e.fsm.GetState(),
		CurrentStep:   e.currentStep,
		Steps:         steps,
		Data:          e.data,
		Error:         e.lastErr,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.updatedAt,
	}
}

// PlaybackLogs replays the saga's journal to the given handler.
func (e *Execution) PlaybackLogs(handler slog.Handler) error {
	return e.logCollector.PlayLogs(handler)
}

// begin marks the saga as running.
func (e *Execution) begin() error {
	if err := e.fsm.Transition(finitestate.StateRunning); err != nil {
		e.logger.Error("Failed to transition to running state", "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Saga started", "state", finitestate.StateRunning)
	return nil
}

// markCompleted records that every step finished forward.
func (e *Execution) markCompleted() error {
	if err := e.fsm.Transition(finitestate.StateCompleted); err != nil {
		e.logger.Error("Failed to transition to completed state", "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Saga completed", "state", finitestate.StateCompleted)
	return nil
}

// markFailed records the step failure that ends the forward phase.
func (e *Execution) markFailed(stepName string, cause error) error {
	e.mu.Lock()
	e.lastErr = cause.Error()
	e.mu.Unlock()

	if err := e.fsm.Transition(finitestate.StateFailed); err != nil {
		e.logger.Error("Failed to transition to failed state", "error", err)
		return err
	}
	e.touch()
	e.logger.Error("Saga failed", "step", stepName, "error", cause)
	return nil
}

// beginCompensation marks the start of the rollback phase.
func (e *Execution) beginCompensation() error {
	if err := e.fsm.Transition(finitestate.StateCompensating); err != nil {
		e.logger.Error("Failed to transition to compensating state", "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Saga compensation started", "state", finitestate.StateCompensating)
	return nil
}

// markCompensated records a fully rolled back saga.
func (e *Execution) markCompensated() error {
	if err := e.fsm.Transition(finitestate.StateCompensated); err != nil {
		e.logger.Error("Failed to transition to compensated state", "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Saga compensated", "state", finitestate.StateCompensated)
	return nil
}

// markCompensationFailed records the terminal state no retry recovers
// from. The caller is expected to raise an operator alert.
func (e *Execution) markCompensationFailed(cause error) error {
	e.mu.Lock()
	e.lastErr = cause.Error()
	e.mu.Unlock()

	if err := e.fsm.Transition(finitestate.StateCompensationFailed); err != nil {
		e.logger.Error("Failed to transition to compensation_failed state", "error", err)
		return err
	}
	e.touch()
	e.logger.Error("Saga compensation failed", "error", cause)
	return nil
}

// beginStep marks step i as running and advances the cursor.
func (e *Execution) beginStep(i int) error {
	e.mu.Lock()
	e.currentStep = i
	step := e.steps[i]
	e.mu.Unlock()

	if err := step.fsm.Transition(finitestate.StepRunning); err != nil {
		e.logger.Error("Failed to transition step to running", "step", step.def.Name, "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Step started", "step", step.def.Name, "index", i)
	return nil
}

// recordAttempt counts one forward or compensation call for step i.
func (e *Execution) recordAttempt(i int) {
	e.mu.Lock()
	e.steps[i].attempts++
	e.mu.Unlock()
}

// completeStep records the forward result for step i.
func (e *Execution) completeStep(i int, result json.RawMessage) error {
	e.mu.Lock()
	step := e.steps[i]
	step.result = result
	step.errMsg = ""
	e.mu.Unlock()

	if err := step.fsm.Transition(finitestate.StepCompleted); err != nil {
		e.logger.Error("Failed to transition step to completed", "step", step.def.Name, "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Step completed", "step", step.def.Name, "attempts", e.stepAttempts(i))
	return nil
}

// failStep records a step that exhausted its forward retries.
func (e *Execution) failStep(i int, cause error) error {
	e.mu.Lock()
	step := e.steps[i]
	step.errMsg = cause.Error()
	e.mu.Unlock()

	if err := step.fsm.Transition(finitestate.StepFailed); err != nil {
		e.logger.Error("Failed to transition step to failed", "step", step.def.Name, "error", err)
		return err
	}
	e.touch()
	e.logger.Error("Step failed", "step", step.def.Name, "attempts", e.stepAttempts(i), "error", cause)
	return nil
}

// beginStepCompensation marks completed step i for rollback.
func (e *Execution) beginStepCompensation(i int) error {
	e.mu.RLock()
	step := e.steps[i]
	e.mu.RUnlock()

	if err := step.fsm.Transition(finitestate.StepCompensating); err != nil {
		e.logger.Error("Failed to transition step to compensating", "step", step.def.Name, "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Step compensation started", "step", step.def.Name)
	return nil
}

// compensateStep records a successful rollback of step i.
func (e *Execution) compensateStep(i int) error {
	e.mu.RLock()
	step := e.steps[i]
	e.mu.RUnlock()

	if err := step.fsm.Transition(finitestate.StepCompensated); err != nil {
		e.logger.Error("Failed to transition step to compensated", "step", step.def.Name, "error", err)
		return err
	}
	e.touch()
	e.logger.Info("Step compensated", "step", step.def.Name)
	return nil
}

// failStepCompensation records a rollback that exhausted its budget.
func (e *Execution) failStepCompensation(i int, cause error) error {
	e.mu.Lock()
	step := e.steps[i]
	step.errMsg = cause.Error()
	e.mu.Unlock()

	if err := step.fsm.Transition(finitestate.StepCompensationFailed); err != nil {
		e.logger.Error("Failed to transition step to compensation_failed", "step", step.def.Name, "error", err)
		return err
	}
	e.touch()
	e.logger.Error("Step compensation failed", "step", step.def.Name, "error", cause)
	return nil
}

// completedStepIndexes returns the indexes of steps in the Completed
// state, in forward order. Compensation walks this list backwards.
func (e *Execution) completedStepIndexes() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var completed []int
	for i, step := range e.steps {
		if step.fsm.GetState() == finitestate.StepCompleted {
			completed = append(completed, i)
		}
	}
	return completed
}

// stepRequest builds the participant payload for step i. Compensation
// requests carry the step's original forward result.
func (e *Execution) stepRequest(i int, compensation bool) StepRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()

	step := e.steps[i]
	req := StepRequest{
		SagaID:        e.ID.String(),
		CorrelationID: e.CorrelationID,
		Step:          step.def.Name,
		Data:          e.data,
	}
	if compensation {
		req.OriginalResult = step.result
	}
	return req
}

func (e *Execution) stepAttempts(i int) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.steps[i].attempts
}

func (e *Execution) touch() {
	e.mu.Lock()
	e.updatedAt = time.Now()
	e.mu.Unlock()
}
