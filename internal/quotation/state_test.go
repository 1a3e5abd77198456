package quotation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition_ValidEdge(t *testing.T) {
	next, err := ValidateTransition(StatePending, CommandSend)

	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, next)
}

func TestValidateTransition_UndefinedCommand(t *testing.T) {
	_, err := ValidateTransition(StatePending, CommandMarkReceived)

	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestValidateTransition_TerminalStateRejectsEverything(t *testing.T) {
	_, err := ValidateTransition(StateReceived, CommandCancel)

	require.ErrorIs(t, err, ErrTerminalStateImmutable)
}

func TestValidateTransition_ResendIsIdempotent(t *testing.T) {
	next, err := ValidateTransition(StateAwaiting, CommandSend)

	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, next)
}

func TestState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    State
		terminal bool
	}{
		{StatePending, false},
		{StateAwaiting, false},
		{StateProcessing, false},
		{StateOrdered, false},
		{StateReceived, true},
		{StateCancelled, true},
		{StateExpired, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.IsTerminal(), tt.state)
	}
}
