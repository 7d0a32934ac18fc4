package job

// State is a job lifecycle state.
//
// The lifecycle forms a partial order: PENDING precedes RUNNING, and both
// precede every terminal state. PENDING may jump directly to a terminal state
// without passing through RUNNING (e.g. a scheduling failure). Terminal
// states are absorbing.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
	StateErrored   State = "ERRORED"
	StateTimedOut  State = "TIMED_OUT"
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateErrored, StateTimedOut:
		return true
	}
	return false
}

// Known reports whether s is a state this client understands. Unknown states
// from a newer backend are treated as non-terminal by callers.
func (s State) Known() bool {
	switch s {
	case StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled, StateErrored, StateTimedOut:
		return true
	}
	return false
}

// rank orders states for monotonicity checks. All terminal states share a
// rank: once terminal, nothing supersedes.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	default:
		if s.Terminal() {
			return 2
		}
		return 0
	}
}

// Supersedes reports whether observing next after s is a forward move in the
// partial order. Repeated observations of the same state do not supersede.
// A poll response that would move backward (stale read from a lagging
// replica) must be dropped by the observer.
func (s State) Supersedes(next State) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}
