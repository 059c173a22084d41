package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity).
//
// Use cases:
// 1. The shared logical thread of cooperatively scheduled (ASYNC) task runs
// 2. Simulating Main Thread / UI Thread behavior as the owner context of a stream
// 3. Serializing bookkeeping that must never run concurrently
//
// The work queue is unbounded: PostTask never blocks, so a task running on
// the runner (or a goroutine the runner is waiting on) can always post
// follow-up work without deadlocking the loop.
type SingleThreadTaskRunner struct {
	queue  *FIFOQueue[Task]
	signal chan struct{}

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	// For graceful shutdown
	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownOnce sync.Once

	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	name string
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner.
// It immediately spawns a dedicated goroutine for task execution.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return NewSingleThreadTaskRunnerWithConfig(DefaultRunnerConfig())
}

// NewSingleThreadTaskRunnerWithConfig creates and starts a runner with custom
// panic, metrics and rejection handlers.
func NewSingleThreadTaskRunnerWithConfig(config *RunnerConfig) *SingleThreadTaskRunner {
	cfg := config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		queue:               NewFIFOQueue[Task](),
		signal:              make(chan struct{}, 1),
		ctx:                 ctx,
		cancel:              cancel,
		stopped:             make(chan struct{}),
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
		name:                cfg.Name,
	}

	// Start the dedicated message loop
	go r.runLoop()

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	if r.name == "" {
		return "single-thread"
	}
	return r.name
}

// PendingTaskCount returns the number of queued tasks waiting to run.
func (r *SingleThreadTaskRunner) PendingTaskCount() int {
	return r.queue.Len()
}

// PostTask submits a task for execution on the runner's goroutine.
// Tasks posted after Shutdown or Stop are rejected.
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	if r.closed.Load() {
		r.rejectedTaskHandler.HandleRejectedTask(r.Name(), "closed")
		r.metrics.RecordTaskRejected(r.Name(), "closed")
		return
	}

	r.queue.Push(task)
	r.metrics.RecordQueueDepth(r.Name(), r.queue.Len())

	select {
	case r.signal <- struct{}{}:
	default:
		// A wakeup is already pending; the loop drains the whole queue.
	}
}

// Shutdown marks the runner as closed and stops the loop.
// It does not wait for the loop to exit, so it is safe to call from a task
// running on the runner itself.
//
// After calling Shutdown():
// - IsClosed() will return true
// - New tasks posted will be rejected
// - The loop exits after the task currently executing (if any)
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()
	})
}

// IsClosed returns true if the runner has been shut down or stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop shuts the runner down and waits for the loop goroutine to exit.
// It must not be called from a task running on this runner.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.Shutdown()
		<-r.stopped
		r.queue.Clear()
	})
}

// runLoop is the core of this runner, it occupies a dedicated goroutine
func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped) // Signal that Stop() can return

	// Create context with taskRunnerKey for GetCurrentTaskRunner
	runCtx := context.WithValue(r.ctx, taskRunnerKey, r)

	for {
		if r.ctx.Err() != nil {
			return
		}
		if task, ok := r.queue.Pop(); ok {
			r.execute(runCtx, task)
			continue
		}

		select {
		case <-r.signal:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *SingleThreadTaskRunner) execute(ctx context.Context, task Task) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.panicHandler.HandlePanic(ctx, r.Name(), -1, rec, debug.Stack())
			r.metrics.RecordTaskPanic(r.Name(), rec)
		}
		r.metrics.RecordTaskDuration(r.Name(), time.Since(start))
	}()
	task(ctx)
}

// =============================================================================
// Synchronization Methods
// =============================================================================

// WaitIdle blocks until all currently queued tasks have completed execution.
// This is implemented by posting a barrier task and waiting for it to execute.
//
// Returns error if:
// - Context is cancelled or deadline exceeded
// - Runner is closed when WaitIdle is called
//
// Note: Tasks posted after WaitIdle is called are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return fmt.Errorf("runner is closed")
	}

	done := make(chan struct{})
	r.PostTask(func(taskCtx context.Context) {
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return fmt.Errorf("runner stopped before becoming idle")
	}
}
