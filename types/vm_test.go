package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	// The happy path walks every forward edge.
	state := VMStateNotStarted
	for _, next := range []VMState{VMStateStarting, VMStateRunning, VMStateStopping, VMStateStopped} {
		var err error
		state, err = Transition(state, next)
		require.NoError(t, err)
		assert.Equal(t, next, state)
	}
}

func TestErrorStateIsTerminalExceptDelete(t *testing.T) {
	for _, from := range []VMState{VMStateNotStarted, VMStateStarting, VMStateRunning, VMStateStopping} {
		assert.True(t, CanTransition(from, VMStateError), "error must be reachable from %s", from)
	}

	// Delete is the only way out of error.
	assert.True(t, CanTransition(VMStateError, VMStateStopping))
	assert.False(t, CanTransition(VMStateError, VMStateRunning))
	assert.False(t, CanTransition(VMStateError, VMStateStarting))
	assert.False(t, CanTransition(VMStateError, VMStateStopped))
}

func TestStoppedIsTerminal(t *testing.T) {
	for _, to := range []VMState{VMStateNotStarted, VMStateStarting, VMStateRunning, VMStateStopping, VMStateError} {
		assert.False(t, CanTransition(VMStateStopped, to))
	}
}

func TestIllegalTransitionKeepsState(t *testing.T) {
	state, err := Transition(VMStateRunning, VMStateStarting)
	require.Error(t, err)
	assert.Equal(t, VMStateRunning, state)

	_, err = Transition(VMStateNotStarted, VMStateRunning)
	require.Error(t, err)
}
