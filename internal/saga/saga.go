// Package saga coordinates multi-step distributed workflows with
// compensation. A saga runs its steps forward as RPC calls; when a step
// exhausts its retries, every previously completed step is compensated
// in strict reverse order. Compensation failure is terminal and raises
// a durable alert through the logging hook.
package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/saga/finitestate"
)

const (
	// DefaultStepTimeout bounds one forward or compensation call.
	DefaultStepTimeout = 30 * time.Second
	// DefaultStepRetries is a step's forward retry allowance.
	DefaultStepRetries = 3
	// DefaultCompensationRetries is the small bounded budget for
	// retrying one compensation call.
	DefaultCompensationRetries = 2
	// DefaultBudget bounds a whole saga phase.
	DefaultBudget = 5 * time.Minute
)

// Step is one unit of a saga definition. Target names the service, and
// Action and Compensation name the two RPC methods the participant
// exposes for this step. A zero RetryCount takes the default; a
// negative one disables retries.
type Step struct {
	Name         string
	Target       string
	Action       string
	Compensation string
	Timeout      time.Duration
	RetryCount   int
}

// Definition declares a saga type and its ordered steps.
type Definition struct {
	Type                string
	Steps               []Step
	Budget              time.Duration
	CompensationRetries int
}

// Normalize fills in defaults for unset step and saga fields. Zero
// retry counts take the defaults; negative ones mean no retries.
func (d *Definition) Normalize() {
	if d.Budget <= 0 {
		d.Budget = DefaultBudget
	}
	switch {
	case d.CompensationRetries == 0:
		d.CompensationRetries = DefaultCompensationRetries
	case d.CompensationRetries < 0:
		d.CompensationRetries = 0
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Timeout <= 0 {
			step.Timeout = DefaultStepTimeout
		}
		switch {
		case step.RetryCount == 0:
			step.RetryCount = DefaultStepRetries
		case step.RetryCount < 0:
			step.RetryCount = 0
		}
	}
}

// Validate checks the definition for holes that would break execution.
func (d *Definition) Validate() error {
	var errs []error

	if d.Type == "" {
		errs = append(errs, fmt.Errorf("%w: saga type is required", errz.ErrConfiguration))
	}
	if strings.ContainsAny(d.Type, ".*> \t\n") {
		errs = append(errs, fmt.Errorf("%w: invalid saga type %q", errz.ErrConfiguration, d.Type))
	}
	if len(d.Steps) == 0 {
		errs = append(errs, fmt.Errorf("%w: saga %q has no steps", errz.ErrConfiguration, d.Type))
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("%w: saga %q step %d has no name", errz.ErrConfiguration, d.Type, i))
			continue
		}
		if seen[step.Name] {
			errs = append(errs, fmt.Errorf("%w: saga %q has duplicate step %q", errz.ErrConfiguration, d.Type, step.Name))
		}
		seen[step.Name] = true
		if step.Target == "" {
			errs = append(errs, fmt.Errorf("%w: step %q has no target service", errz.ErrConfiguration, step.Name))
		}
		if step.Action == "" {
			errs = append(errs, fmt.Errorf("%w: step %q has no action", errz.ErrConfiguration, step.Name))
		}
		if step.Compensation == "" {
			errs = append(errs, fmt.Errorf("%w: step %q has no compensation", errz.ErrConfiguration, step.Name))
		}
	}
	return errors.Join(errs...)
}

// StepRequest is the payload a participant receives for both the
// forward action and the compensation. OriginalResult is set only
// during compensation.
type StepRequest struct {
	SagaID         string          `json:"saga_id"`
	CorrelationID  string          `json:"correlation_id"`
	Step           string          `json:"step"`
	Data           json.RawMessage `json:"data"`
	OriginalResult json.RawMessage `json:"original_result,omitempty"`
}

// StepStatus is a step's externally visible state.
type StepStatus struct {
	Name     string          `json:"name"`
	State    string          `json:"state"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// TerminalState reports whether a saga in this state accepts no
// further transitions.
func TerminalState(state string) bool {
	return finitestate.Terminal(state)
}

// TerminalStates lists every state a finished saga can rest in. Store
// implementations exclude these from ListActive.
func TerminalStates() []string {
	return []string{
		finitestate.StateCompleted,
		finitestate.StateCompensated,
		finitestate.StateCompensationFailed,
	}
}

// Status is a point-in-time snapshot of a saga execution. It is the
// unit of persistence for the Store.
type Status struct {
	SagaID        string          `json:"saga_id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	State         string          `json:"state"`
	CurrentStep   int             `json:"current_step"`
	Steps         []StepStatus    `json:"steps"`
	Data          json.RawMessage `json:"data"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
