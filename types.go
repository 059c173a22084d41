package taskmanager

import "github.com/Swind/go-task-manager/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskmanager package to supply an
// owner context or hook in their own logger.

// TaskRunner is the interface for posting closures to an execution context
type TaskRunner = core.TaskRunner

// TaskRunnerFunc adapts a plain dispatch function to TaskRunner
type TaskRunnerFunc = core.TaskRunnerFunc

// SingleThreadTaskRunner ensures all closures execute on the same dedicated goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

// Logger and Field are the structured logging hooks
type Logger = core.Logger
type Field = core.Field

// NewSingleThreadTaskRunner creates a new SingleThreadTaskRunner with a dedicated goroutine.
// Use this to simulate a UI thread that owns a Stream.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner()
}

// F creates a log Field
var F = core.F
