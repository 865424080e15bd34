package agent

import "fmt"

// State is an agent execution state.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateAwaitingInput State = "awaiting-input"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Signal is an input to the state machine.
type Signal string

const (
	SignalStart      Signal = "start"
	SignalPause      Signal = "pause"
	SignalResume     Signal = "resume"
	SignalAwaitInput Signal = "await-input"
	SignalComplete   Signal = "complete"
	SignalFail       Signal = "fail"
	SignalAbort      Signal = "abort"
)

// transitions is the closed state machine shared by every role.
var transitions = map[State]map[Signal]State{
	StateIdle: {
		SignalStart: StateRunning,
		SignalAbort: StateFailed,
	},
	StateRunning: {
		SignalPause:      StatePaused,
		SignalAwaitInput: StateAwaitingInput,
		SignalComplete:   StateCompleted,
		SignalFail:       StateFailed,
		SignalAbort:      StateFailed,
	},
	StatePaused: {
		SignalResume: StateRunning,
		SignalAbort:  StateFailed,
	},
	StateAwaitingInput: {
		SignalResume: StateRunning,
		SignalAbort:  StateFailed,
	},
}

// Next is the pure transition function. Undefined transitions are rejected
// with a state-violation error; the current state is never mutated here.
func Next(current State, sig Signal) (State, error) {
	if outs, ok := transitions[current]; ok {
		if next, ok := outs[sig]; ok {
			return next, nil
		}
	}
	return current, NewError(KindStateViolation,
		"transition %q is not defined in state %q", sig, current)
}

// ValidState reports whether s is one of the declared states.
func ValidState(s State) bool {
	switch s {
	case StateIdle, StateRunning, StatePaused, StateAwaitingInput, StateCompleted, StateFailed:
		return true
	}
	return false
}

func mustState(s string) (State, error) {
	st := State(s)
	if !ValidState(st) {
		return "", fmt.Errorf("unknown agent state %q", s)
	}
	return st, nil
}
