package backtest

import "fmt"

// RunState represents the lifecycle state of a backtest run.
type RunState string

const (
	// StateReady means the runner is constructed but has not started.
	StateReady RunState = "ready"
	// StateRunning means the daily loop is in progress.
	StateRunning RunState = "running"
	// StateCompleted means the full date range was processed.
	StateCompleted RunState = "completed"
	// StateAborted means the run stopped early, either from an unrecoverable
	// error or an intentional early-stop condition.
	StateAborted RunState = "aborted"
)

// runTransition defines a valid run state transition.
type runTransition struct {
	From      RunState
	To        RunState
	Condition string
}

var validRunTransitions = []runTransition{
	{StateReady, StateRunning, "run_started"},
	{StateRunning, StateCompleted, "window_exhausted"},
	{StateRunning, StateAborted, "fatal_error"},
	{StateRunning, StateAborted, "early_stop"},
}

// runMachine enforces READY -> RUNNING -> {COMPLETED | ABORTED}.
type runMachine struct {
	current RunState
}

func newRunMachine() *runMachine {
	return &runMachine{current: StateReady}
}

func (m *runMachine) state() RunState {
	return m.current
}

func (m *runMachine) transition(to RunState, condition string) error {
	for _, t := range validRunTransitions {
		if t.From == m.current && t.To == to && t.Condition == condition {
			m.current = to
			return nil
		}
	}
	return fmt.Errorf("invalid run transition from %s to %s with condition %q",
		m.current, to, condition)
}
