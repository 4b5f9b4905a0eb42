package feeder

import "fmt"

type State uint8

const (
	StateUnknown State = iota

	// Resolving the window, loading or creating the checkpoint, preparing the
	// output directory, and connecting to the index shard.
	StateInit

	// Fetching and processing one batch per iteration.
	StateRunning

	// The window has been exhausted, or the feeder was asked to stop between
	// batches. Outputs are drained and Run returns.
	StateDone

	// A fatal error was recorded. Whatever was opened is drained, and Run
	// returns the error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// outcome is the result of performing the action for a state, which (with the
// state itself) determines the next state.
type outcome uint8

const (
	outOK outcome = iota
	outExhausted
	outRetry
	outStopped
	outFatal
)

func (o outcome) String() string {
	switch o {
	case outOK:
		return "ok"
	case outExhausted:
		return "exhausted"
	case outRetry:
		return "retry"
	case outStopped:
		return "stopped"
	case outFatal:
		return "fatal"
	}

	return fmt.Sprintf("outcome(%d)", uint8(o))
}

type stateTransition struct {
	from State
	out  outcome
	to   State
}

var stateTransitions = []stateTransition{
	{StateInit, outOK, StateRunning},
	{StateInit, outFatal, StateFailed},

	{StateRunning, outOK, StateRunning},
	{StateRunning, outRetry, StateRunning},
	{StateRunning, outExhausted, StateDone},
	{StateRunning, outStopped, StateDone},
	{StateRunning, outFatal, StateFailed},
}

func transition(from State, out outcome) (State, error) {
	for _, t := range stateTransitions {
		if t.from == from && t.out == out {
			return t.to, nil
		}
	}

	return StateUnknown, fmt.Errorf("invalid transition: from=%s, outcome=%s", from, out)
}
