package protocol

import "fmt"

// State is the lifecycle state of a protocol instance.
type State int

const (
	// StateDead is the initial state: the instance exists but is not stepping.
	StateDead State = iota

	// StateRunning means the instance's Step is invoked every iteration.
	StateRunning

	// StateEnded means the instance stopped gracefully (terminal state).
	StateEnded

	// StateTerminated means the instance was stopped hard (terminal state).
	StateTerminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDead:
		return "dead"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal returns true if this is a terminal state (no further transitions allowed).
func (s State) IsTerminal() bool {
	return s == StateEnded || s == StateTerminated
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StateDead:
		// Can start, or be stopped before it ever ran
		return target == StateRunning || target == StateEnded || target == StateTerminated

	case StateRunning:
		// Can be paused back to dead, end, or be terminated
		return target == StateDead || target == StateEnded || target == StateTerminated

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	From     State
	To       State
	Instance string
	Message  string
}

func (e *TransitionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid state transition for %s: %s -> %s: %s",
			e.Instance, e.From, e.To, e.Message)
	}
	return fmt.Sprintf("invalid state transition for %s: %s -> %s",
		e.Instance, e.From, e.To)
}

// NewTransitionError creates a new transition error.
func NewTransitionError(from, to State, instance, message string) *TransitionError {
	return &TransitionError{
		From:     from,
		To:       to,
		Instance: instance,
		Message:  message,
	}
}
