package instance

import "fmt"

// State is the lifecycle state of an instance.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateBusy         State = "busy"
	StateIdle         State = "idle"
	StateTerminated   State = "terminated"
	StateError        State = "error"
	StateTimeout      State = "timeout"
)

// States lists every state in lifecycle order.
var States = []State{
	StateInitializing,
	StateRunning,
	StateBusy,
	StateIdle,
	StateTerminated,
	StateError,
	StateTimeout,
}

// transitions is the closed table of legal moves. Terminal states have no
// outgoing edges.
var transitions = map[State][]State{
	StateInitializing: {StateRunning, StateTerminated, StateError, StateTimeout},
	StateRunning:      {StateBusy, StateIdle, StateTerminated, StateError, StateTimeout},
	StateBusy:         {StateRunning, StateIdle, StateTerminated, StateError, StateTimeout},
	StateIdle:         {StateRunning, StateBusy, StateTerminated, StateError, StateTimeout},
	StateTerminated:   nil,
	StateError:        nil,
	StateTimeout:      nil,
}

func (s State) String() string {
	return string(s)
}

func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s is absorbing.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateError || s == StateTimeout
}

// Active reports whether an instance in s can receive input.
func (s State) Active() bool {
	return s == StateRunning || s == StateBusy || s == StateIdle
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition for illegal moves.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ParseState maps a string onto a known state.
func ParseState(value string) (State, bool) {
	state := State(value)
	return state, state.Valid()
}
