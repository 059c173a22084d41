package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
// This allows custom panic handling, logging, and recovery strategies.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (may contain task runner info)
	// - runnerName: The name of the task runner where the panic occurred
	// - workerID: The ID of the worker (for thread pool workers, -1 for single-threaded runners)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler reports panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs the panic and its stack at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("runner", runnerName),
		F("worker", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting runner-level execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a closure took to execute on a runner.
	RecordTaskDuration(runnerName string, duration time.Duration)

	// RecordTaskPanic records that a closure panicked during execution.
	RecordTaskPanic(runnerName string, panicInfo any)

	// RecordQueueDepth records the current number of queued closures.
	RecordQueueDepth(runnerName string, depth int)

	// RecordTaskRejected records that a closure was rejected (e.g., during shutdown).
	RecordTaskRejected(runnerName string, reason string)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(runnerName string, duration time.Duration) {}
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any)             {}
func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int)                {}
func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string)          {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a closure is rejected because its runner
// is shutting down.
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	if h.Logger == nil {
		return
	}
	h.Logger.Warn("task rejected", F("runner", runnerName), F("reason", reason))
}

// =============================================================================
// RunnerConfig: Configuration shared by TaskScheduler and SingleThreadTaskRunner
// =============================================================================

// RunnerConfig holds configuration options for runners and schedulers.
// All handlers are optional; if not provided, default implementations will be used.
type RunnerConfig struct {
	// Name labels logs and metrics.
	Name string

	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger is used by the default handlers. Defaults to NoOpLogger.
	Logger Logger
}

// DefaultRunnerConfig returns a config with default handlers.
func DefaultRunnerConfig() *RunnerConfig {
	return (&RunnerConfig{}).withDefaults()
}

func (c *RunnerConfig) withDefaults() *RunnerConfig {
	out := RunnerConfig{}
	if c != nil {
		out = *c
	}
	if out.Logger == nil {
		out.Logger = NewNoOpLogger()
	}
	if out.PanicHandler == nil {
		out.PanicHandler = &DefaultPanicHandler{Logger: out.Logger}
	}
	if out.Metrics == nil {
		out.Metrics = &NilMetrics{}
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: out.Logger}
	}
	return &out
}
