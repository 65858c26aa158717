// Saga state machine definitions. One machine tracks the overall saga
// lifecycle, another tracks each step.
package finitestate

import (
	"context"
	"log/slog"
	"time"

	"github.com/robbyt/go-fsm"
)

// Saga state constants
const (
	StatePending      = "pending"      // created, not yet running
	StateRunning      = "running"      // forward phase in progress
	StateCompleted    = "completed"    // every step completed (terminal)
	StateFailed       = "failed"       // a step exhausted its retries
	StateCompensating = "compensating" // compensation phase in progress

	// Terminal compensation outcomes
	StateCompensated        = "compensated"
	StateCompensationFailed = "compensation_failed"
)

// SagaTransitions defines the valid state transitions for a saga.
var SagaTransitions = map[string][]string{
	StatePending: {StateRunning},
	StateRunning: {StateCompleted, StateFailed},

	// A failure with no completed steps compensates trivially.
	StateFailed:       {StateCompensating, StateCompensated},
	StateCompensating: {StateCompensated, StateCompensationFailed},

	StateCompleted:          {},
	StateCompensated:        {},
	StateCompensationFailed: {},
}

// Step state constants
const (
	StepPending      = "pending"
	StepRunning      = "running"
	StepCompleted    = "completed"
	StepFailed       = "failed"
	StepCompensating = "compensating"
	StepCompensated  = "compensated"

	StepCompensationFailed = "compensation_failed"
)

// StepTransitions defines valid state transitions for a single step.
var StepTransitions = map[string][]string{
	StepPending:      {StepRunning},
	StepRunning:      {StepCompleted, StepFailed},
	StepCompleted:    {StepCompensating},
	StepCompensating: {StepCompensated, StepCompensationFailed},

	StepFailed:             {},
	StepCompensated:        {},
	StepCompensationFailed: {},
}

// Terminal reports whether a saga state accepts no further transitions.
func Terminal(state string) bool {
	return len(SagaTransitions[state]) == 0
}

// Machine is the state machine interface shared by saga and step FSMs.
type Machine interface {
	Transition(state string) error
	TransitionBool(state string) bool
	TransitionIfCurrentState(currentState, newState string) error
	SetState(state string) error
	GetState() string
	GetStateChan(ctx context.Context) <-chan string
}

// SagaFSM embeds fsm.Machine and overrides GetStateChan for sync broadcast
type SagaFSM struct {
	*fsm.Machine
}

func (m *SagaFSM) GetStateChan(ctx context.Context) <-chan string {
	return m.GetStateChanWithOptions(ctx, fsm.WithSyncTimeout(5*time.Second))
}

// NewSagaMachine creates a state machine for one saga execution.
func NewSagaMachine(handler slog.Handler) (Machine, error) {
	machine, err := fsm.New(handler, StatePending, SagaTransitions)
	if err != nil {
		return nil, err
	}
	return &SagaFSM{Machine: machine}, nil
}

// NewStepMachine creates a state machine for one step of a saga.
func NewStepMachine(handler slog.Handler) (Machine, error) {
	machine, err := fsm.New(handler, StepPending, StepTransitions)
	if err != nil {
		return nil, err
	}
	return &SagaFSM{Machine: machine}, nil
}
