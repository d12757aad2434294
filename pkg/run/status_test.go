package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStepTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    StepStatus
		to      StepStatus
		wantErr bool
	}{
		{"new to waiting", "", StepWaiting, false},
		{"new to running", "", StepRunning, false},
		{"waiting to running", StepWaiting, StepRunning, false},
		{"running to success", StepRunning, StepSuccess, false},
		{"running to failed", StepRunning, StepFailed, false},
		{"running to suspended", StepRunning, StepSuspended, false},
		{"suspended to running", StepSuspended, StepRunning, false},
		{"new to success", "", StepSuccess, true},
		{"waiting to success", StepWaiting, StepSuccess, true},
		{"suspended to success", StepSuspended, StepSuccess, true},
		{"success is terminal", StepSuccess, StepRunning, true},
		{"failed is terminal", StepFailed, StepRunning, true},
		{"running to running", StepRunning, StepRunning, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStepTransition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRunTransition(t *testing.T) {
	assert.NoError(t, ValidateRunTransition(StatusRunning, StatusSuspended))
	assert.NoError(t, ValidateRunTransition(StatusSuspended, StatusRunning))
	assert.NoError(t, ValidateRunTransition(StatusRunning, StatusRejected))
	assert.Error(t, ValidateRunTransition(StatusSuspended, StatusSuccess))
	assert.Error(t, ValidateRunTransition(StatusSuccess, StatusRunning))
	assert.Error(t, ValidateRunTransition(StatusRejected, StatusRunning))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("suspended")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, st)

	_, err = ParseStatus("paused")
	assert.Error(t, err)
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusSuccess.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusRejected.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusSuspended.IsTerminal())

	assert.True(t, StepSuccess.IsTerminal())
	assert.False(t, StepSuspended.IsTerminal())
}
