package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateTransitions(t *testing.T) {
	tests := []struct {
		from, to SessionState
		allowed  bool
	}{
		{SessionStateWaiting, SessionStateLinked, true},
		{SessionStateLinked, SessionStateDeploying, true},
		{SessionStateDeploying, SessionStateReady, true},
		{SessionStateWaiting, SessionStateExpired, true},
		{SessionStateLinked, SessionStateError, true},
		{SessionStateDeploying, SessionStateExpired, true},
		{SessionStateWaiting, SessionStateReady, false},
		{SessionStateWaiting, SessionStateDeploying, false},
		{SessionStateLinked, SessionStateWaiting, false},
		{SessionStateReady, SessionStateError, false},
		{SessionStateExpired, SessionStateError, false},
		{SessionStateError, SessionStateReady, false},
	}

	for _, tc := range tests {
		t.Run(string(tc.from)+" to "+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to))
		})
	}
}

func TestSessionStatePredecessors(t *testing.T) {
	assert.Empty(t, SessionStateWaiting.Predecessors())
	assert.Equal(t, []SessionState{SessionStateWaiting}, SessionStateLinked.Predecessors())
	assert.Equal(t, []SessionState{SessionStateDeploying}, SessionStateReady.Predecessors())
	assert.Equal(t,
		[]SessionState{SessionStateWaiting, SessionStateLinked, SessionStateDeploying},
		SessionStateExpired.Predecessors(),
	)
}

func TestSessionStateIsTerminal(t *testing.T) {
	for _, s := range TerminalSessionStates {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	assert.False(t, SessionStateWaiting.IsTerminal())
	assert.False(t, SessionStateLinked.IsTerminal())
	assert.False(t, SessionStateDeploying.IsTerminal())
}

func TestUpdateSessionParamsIsEmpty(t *testing.T) {
	assert.True(t, UpdateSessionParams{}.IsEmpty())

	state := SessionStateLinked
	assert.False(t, UpdateSessionParams{State: &state}.IsEmpty())
}

func TestRuntimeInstanceLiveID(t *testing.T) {
	inst := &RuntimeInstance{}
	assert.Equal(t, "", inst.LiveID())

	id := "abc123"
	inst.ContainerID = &id
	assert.Equal(t, "abc123", inst.LiveID())
}
