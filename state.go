package taskmanager

import (
	"fmt"
	"strings"
)

// TaskState is the lifecycle state of a run.
type TaskState uint8

const (
	// StateInProgress is the initial state of every run.
	StateInProgress TaskState = iota + 1
	// StateSucceeded is terminal: the handler returned nil.
	StateSucceeded
	// StateFailed is terminal: the handler failed, broke its contract, lost
	// its executor or was cancelled.
	StateFailed
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func (s TaskState) String() string {
	switch s {
	case StateInProgress:
		return "in_progress"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Strategy selects the concurrency domain a task runs in.
type Strategy uint8

const (
	// StrategyAsync runs the handler cooperatively on the manager's single
	// shared loop. It only gives the loop up at Yield, Await or return.
	StrategyAsync Strategy = iota + 1
	// StrategyThread runs the handler on a bounded pool of worker goroutines.
	StrategyThread
	// StrategyProcess runs the handler in a separate worker process.
	StrategyProcess
)

func (s Strategy) String() string {
	switch s {
	case StrategyAsync:
		return "async"
	case StrategyThread:
		return "thread"
	case StrategyProcess:
		return "process"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	return s >= StrategyAsync && s <= StrategyProcess
}

// ParseStrategy parses the names produced by Strategy.String, case-insensitively.
func ParseStrategy(v string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "async":
		return StrategyAsync, nil
	case "thread":
		return StrategyThread, nil
	case "process":
		return StrategyProcess, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q", v)
	}
}

// TaskStatus is an immutable snapshot of a run.
type TaskStatus[T any] struct {
	// Data is a copy of the run's payload at the time of the snapshot.
	Data T
	// State is the run state.
	State TaskState
	// Progress is in [0, 1] and never decreases across snapshots of one run.
	Progress float64
}

// RunID identifies one run inside a manager.
type RunID string

// RunInfo describes a run. The consumer uses it to tell multiplexed runs apart.
type RunInfo struct {
	ID       RunID
	Index    int
	Name     string
	Strategy Strategy
}

func (i RunInfo) String() string {
	return fmt.Sprintf("%s#%d(%s)", i.Name, i.Index, i.Strategy)
}

// Event is one element of the aggregated progress stream.
type Event struct {
	Run    RunInfo
	Status TaskStatus[any]
	// Err is the failure cause; set only on the FAILED terminal event.
	Err error
}

// Terminal reports whether e is the last event of its run.
func (e Event) Terminal() bool {
	return e.Status.State.Terminal()
}

// StatusAs returns the snapshot of e with its payload typed as T.
func StatusAs[T any](e Event) (TaskStatus[T], bool) {
	data, ok := e.Status.Data.(T)
	if !ok {
		return TaskStatus[T]{}, false
	}
	return TaskStatus[T]{Data: data, State: e.Status.State, Progress: e.Status.Progress}, true
}
