package model

type SessionState string

const (
	SessionStateWaiting   SessionState = "waiting"
	SessionStateLinked    SessionState = "linked"
	SessionStateDeploying SessionState = "deploying"
	SessionStateReady     SessionState = "ready"
	SessionStateExpired   SessionState = "expired"
	SessionStateError     SessionState = "error"
)

var sessionStates = []SessionState{
	SessionStateWaiting,
	SessionStateLinked,
	SessionStateDeploying,
	SessionStateReady,
	SessionStateExpired,
	SessionStateError,
}

// TerminalSessionStates are the states from which no further transition occurs.
var TerminalSessionStates = []SessionState{
	SessionStateReady,
	SessionStateExpired,
	SessionStateError,
}

func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateReady, SessionStateExpired, SessionStateError:
		return true
	}
	return false
}

// rank orders the success path. Expired and error sit outside it.
func (s SessionState) rank() int {
	switch s {
	case SessionStateWaiting:
		return 0
	case SessionStateLinked:
		return 1
	case SessionStateDeploying:
		return 2
	case SessionStateReady:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == SessionStateExpired || next == SessionStateError {
		return true
	}
	return next.rank() == s.rank()+1
}

// Predecessors lists the states from which s may be entered.
func (s SessionState) Predecessors() []SessionState {
	var out []SessionState
	for _, from := range sessionStates {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

type InstanceStatus string

const (
	InstanceStatusProvisioning InstanceStatus = "provisioning"
	InstanceStatusRunning      InstanceStatus = "running"
	InstanceStatusStopped      InstanceStatus = "stopped"
	InstanceStatusError        InstanceStatus = "error"
)

type SyncKind string

const (
	SyncKindContacts SyncKind = "contacts"
	SyncKindChats    SyncKind = "chats"
	SyncKindMessages SyncKind = "messages"
)
