package session

// CallState is the application level state of a call session.
type CallState string

const (
	CallStateInitiating  CallState = "initiating"
	CallStateRinging     CallState = "ringing"
	CallStateActive      CallState = "active"
	CallStateOnHold      CallState = "on_hold"
	CallStateTerminating CallState = "terminating"
	CallStateTerminated  CallState = "terminated"
	CallStateFailed      CallState = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s CallState) IsTerminal() bool {
	return s == CallStateTerminated || s == CallStateFailed
}

// callStateGraph lists the allowed transitions. Failed is reachable from any
// non-terminal state and is handled separately in CanTransitionTo.
var callStateGraph = map[CallState][]CallState{
	CallStateInitiating:  {CallStateRinging, CallStateActive, CallStateTerminating},
	CallStateRinging:     {CallStateActive, CallStateTerminating},
	CallStateActive:      {CallStateOnHold, CallStateTerminating},
	CallStateOnHold:      {CallStateActive, CallStateTerminating},
	CallStateTerminating: {CallStateTerminated},
}

// CanTransitionTo reports whether the transition from s to next is allowed.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s == next {
		return true
	}
	if next == CallStateFailed {
		return !s.IsTerminal()
	}
	for _, allowed := range callStateGraph[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
