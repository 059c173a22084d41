package core

import (
	"context"
)

// Task is the unit of work (Closure) posted to a runner.
type Task func(ctx context.Context)

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================

// TaskRunner accepts closures for execution in the runner's own execution
// context. Implementations decide where that is: a dedicated goroutine, a pool
// of workers, or an application event loop.
//
// A TaskRunner is also the "owner context" used by the manager's stream to
// deliver events: anything that can run a closure on the consumer's thread
// satisfies it.
type TaskRunner interface {
	PostTask(task Task)
}

// TaskRunnerFunc adapts a plain dispatch function (for example the
// "call on main thread" primitive of a GUI toolkit) to TaskRunner.
type TaskRunnerFunc func(task Task)

// PostTask calls f(task).
func (f TaskRunnerFunc) PostTask(task Task) {
	f(task)
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

// GetCurrentTaskRunner returns the runner executing the current task, or nil
// when ctx was not produced by a runner.
func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}
