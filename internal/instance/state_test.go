package instance

import (
	"errors"
	"testing"
)

func TestTransitionTableCoversEveryState(t *testing.T) {
	for _, state := range States {
		if !state.Valid() {
			t.Fatalf("state %s missing from transition table", state)
		}
	}
	if len(transitions) != len(States) {
		t.Fatalf("transition table has %d states, expected %d", len(transitions), len(States))
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	for _, from := range States {
		if !from.Terminal() {
			continue
		}
		for _, to := range States {
			if CanTransition(from, to) {
				t.Fatalf("terminal state %s should not reach %s", from, to)
			}
		}
	}
}

func TestTerminalStatesReachableFromEveryLiveState(t *testing.T) {
	for _, from := range States {
		if from.Terminal() {
			continue
		}
		for _, to := range []State{StateTerminated, StateError, StateTimeout} {
			if !CanTransition(from, to) {
				t.Fatalf("expected %s -> %s to be legal", from, to)
			}
		}
	}
}

func TestTransitionLegality(t *testing.T) {
	cases := []struct {
		from, to State
		legal    bool
	}{
		{StateInitializing, StateRunning, true},
		{StateInitializing, StateBusy, false},
		{StateInitializing, StateIdle, false},
		{StateRunning, StateBusy, true},
		{StateBusy, StateIdle, true},
		{StateIdle, StateBusy, true},
		{StateIdle, StateRunning, true},
		{StateRunning, StateInitializing, false},
		{StateTerminated, StateRunning, false},
		{StateRunning, StateRunning, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.legal && err != nil {
			t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.legal && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestStateClassification(t *testing.T) {
	if StateInitializing.Active() || StateTerminated.Active() {
		t.Fatalf("initializing and terminated are not active")
	}
	if !StateIdle.Active() || !StateBusy.Active() || !StateRunning.Active() {
		t.Fatalf("running, busy and idle are active")
	}
	if _, ok := ParseState("sleeping"); ok {
		t.Fatalf("unknown state parsed")
	}
}
