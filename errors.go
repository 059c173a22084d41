package taskmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation is the cause of a run whose handler reported
	// progress outside [0, 1], regressed progress, or updated a run that had
	// already reached a terminal state. It is also returned by Yield and
	// Await when they are called inside an Await function.
	ErrContractViolation = errors.New("taskmanager: task contract violation")

	// ErrExecutorLost is the cause of a PROCESS run whose worker exited, hung
	// or became unreadable before reporting a terminal result.
	ErrExecutorLost = errors.New("taskmanager: executor lost")

	// ErrSerialization marks a payload or frame that could not cross the
	// process boundary. It is always reported together with ErrExecutorLost.
	ErrSerialization = errors.New("taskmanager: serialization failed")

	// ErrDoubleStart is returned by a second call to Manager.Start.
	ErrDoubleStart = errors.New("taskmanager: manager already started")

	// ErrCancelled is the cause of runs failed by batch cancellation.
	ErrCancelled = errors.New("taskmanager: batch cancelled")

	// ErrInvalidSpec is returned by NewManager for malformed task specs.
	ErrInvalidSpec = errors.New("taskmanager: invalid task spec")

	// ErrStreamBound is returned by pull methods of a Stream that has been
	// handed to an owner context with Dispatch.
	ErrStreamBound = errors.New("taskmanager: stream bound to an owner context")
)

// HandlerError is the cause of a run whose handler returned an error or
// panicked.
type HandlerError struct {
	// Task is the TaskSpec name.
	Task string
	// Cause is the error returned by the handler. For PROCESS runs it is a
	// reconstruction carrying the worker's message only.
	Cause error
	// Panic holds the recovered value when the handler panicked.
	Panic any
	// Stack is the goroutine stack captured at the panic.
	Stack []byte
	// Remote is true when the handler ran in a worker process.
	Remote bool
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %q panicked: %v", e.Task, e.Panic)
	}
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// remoteError stands in for an error value that only exists in a worker
// process.
type remoteError struct {
	msg string
}

func (e *remoteError) Error() string { return e.msg }

func contractViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, fmt.Sprintf(format, args...))
}

func executorLost(cause error) error {
	if cause == nil {
		return ErrExecutorLost
	}
	return fmt.Errorf("%w: %w", ErrExecutorLost, cause)
}

func cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
