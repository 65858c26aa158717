package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sndwch/cliffracer-sub001/internal/errz"
	"github.com/sndwch/cliffracer-sub001/internal/saga/finitestate"
)

func validDefinition() Definition {
	return Definition{
		Type: "travel_booking",
		Steps: []Step{
			{Name: "book_flight", Target: "flights", Action: "book_flight", Compensation: "cancel_flight"},
			{Name: "book_hotel", Target: "hotels", Action: "book_hotel", Compensation: "cancel_hotel"},
			{Name: "book_car", Target: "cars", Action: "book_car", Compensation: "cancel_car"},
		},
	}
}

func TestDefinitionNormalize(t *testing.T) {
	t.Parallel()

	t.Run("fills defaults", func(t *testing.T) {
		def := validDefinition()
		def.Normalize()

		assert.Equal(t, DefaultBudget, def.Budget)
		assert.Equal(t, DefaultCompensationRetries, def.CompensationRetries)
		for _, step := range def.Steps {
			assert.Equal(t, DefaultStepTimeout, step.Timeout)
			assert.Equal(t, DefaultStepRetries, step.RetryCount)
		}
	})

	t.Run("negative retry counts disable retries", func(t *testing.T) {
		def := validDefinition()
		def.Steps[0].RetryCount = -1
		def.CompensationRetries = -1
		def.Normalize()

		assert.Zero(t, def.Steps[0].RetryCount)
		assert.Zero(t, def.CompensationRetries)
		assert.Equal(t, DefaultStepRetries, def.Steps[1].RetryCount)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		def := validDefinition()
		def.Budget = time.Minute
		def.Steps[0].Timeout = 2 * time.Second
		def.Steps[0].RetryCount = 7
		def.Normalize()

		assert.Equal(t, time.Minute, def.Budget)
		assert.Equal(t, 2*time.Second, def.Steps[0].Timeout)
		assert.Equal(t, 7, def.Steps[0].RetryCount)
	})
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Definition)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Definition) {},
		},
		{
			name:    "missing type",
			mutate:  func(d *Definition) { d.Type = "" },
			wantErr: "saga type is required",
		},
		{
			name:    "type with subject tokens",
			mutate:  func(d *Definition) { d.Type = "travel.booking" },
			wantErr: "invalid saga type",
		},
		{
			name:    "no steps",
			mutate:  func(d *Definition) { d.Steps = nil },
			wantErr: "has no steps",
		},
		{
			name:    "unnamed step",
			mutate:  func(d *Definition) { d.Steps[1].Name = "" },
			wantErr: "has no name",
		},
		{
			name:    "duplicate step name",
			mutate:  func(d *Definition) { d.Steps[2].Name = d.Steps[0].Name },
			wantErr: "duplicate step",
		},
		{
			name:    "missing target",
			mutate:  func(d *Definition) { d.Steps[0].Target = "" },
			wantErr: "no target service",
		},
		{
			name:    "missing action",
			mutate:  func(d *Definition) { d.Steps[0].Action = "" },
			wantErr: "no action",
		},
		{
			name:    "missing compensation",
			mutate:  func(d *Definition) { d.Steps[0].Compensation = "" },
			wantErr: "no compensation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(&def)

			err := def.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errz.ErrConfiguration)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	for _, state := range TerminalStates() {
		assert.True(t, TerminalState(state), state)
	}
	assert.False(t, TerminalState(finitestate.StatePending))
	assert.False(t, TerminalState(finitestate.StateRunning))
	assert.False(t, TerminalState(finitestate.StateFailed))
	assert.False(t, TerminalState(finitestate.StateCompensating))
}
