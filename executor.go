package taskmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Swind/go-task-manager/core"
)

// Executor runs task runs inside one concurrency domain. Every executor
// publishes the same event shape: zero or more IN_PROGRESS snapshots and
// exactly one terminal snapshot per run.
type Executor interface {
	Strategy() Strategy

	// Execute dispatches run and returns without waiting for it.
	Execute(ctx context.Context, run runnable)

	// Close releases the executor's resources. Runs still executing are not
	// waited for.
	Close() error
}

// =============================================================================
// ASYNC
// =============================================================================

// asyncExecutor runs handlers as coroutines on one shared loop. A coroutine
// holds the loop from the moment its step task starts until it parks at a
// suspension point or returns, so at most one ASYNC handler runs at a time.
type asyncExecutor struct {
	loop    *core.SingleThreadTaskRunner
	offload core.TaskRunner
}

func newAsyncExecutor(cfg Config) *asyncExecutor {
	loop := core.NewSingleThreadTaskRunnerWithConfig(cfg.runnerConfig("taskmanager-async"))
	return &asyncExecutor{
		loop:    loop,
		offload: core.TaskRunnerFunc(func(task core.Task) { go task(context.Background()) }),
	}
}

func (e *asyncExecutor) Strategy() Strategy { return StrategyAsync }

func (e *asyncExecutor) Execute(ctx context.Context, run runnable) {
	co := &coroutine{
		loop:    e.loop,
		offload: e.offload,
		resume:  make(chan struct{}),
		parked:  make(chan struct{}),
	}
	go co.main(ctx, run)
	e.loop.PostTask(co.step)
}

// Close shuts the loop down without waiting for it, so it may be called from
// the loop itself.
func (e *asyncExecutor) Close() error {
	e.loop.Shutdown()
	return nil
}

// coroutine hands the loop back and forth between the loop goroutine and the
// goroutine running the handler. resume passes control to the handler,
// parked passes it back.
type coroutine struct {
	loop    core.TaskRunner
	offload core.TaskRunner
	resume  chan struct{}
	parked  chan struct{}
	// awaiting is set while an Await function runs off-loop.
	awaiting atomic.Bool
}

func (c *coroutine) main(ctx context.Context, run runnable) {
	<-c.resume
	defer func() { c.parked <- struct{}{} }()
	run.runLocal(ctx, c)
}

// step runs on the loop and blocks it while the coroutine has control.
func (c *coroutine) step(context.Context) {
	c.resume <- struct{}{}
	<-c.parked
}

func (c *coroutine) park() {
	c.parked <- struct{}{}
	<-c.resume
}

func (c *coroutine) yield(ctx context.Context) error {
	if c.awaiting.Load() {
		return contractViolation("Yield called inside an Await function")
	}
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	c.loop.PostTask(c.step)
	c.park()
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return nil
}

func (c *coroutine) await(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if !c.awaiting.CompareAndSwap(false, true) {
		return contractViolation("Await called inside an Await function")
	}
	defer c.awaiting.Store(false)

	var result error
	core.PostTaskAndReplyWithResult(c.offload,
		func(context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		},
		func(loopCtx context.Context, _ struct{}, err error) {
			result = err
			c.step(loopCtx)
		},
		c.loop,
	)
	c.park()
	return result
}

// =============================================================================
// THREAD
// =============================================================================

type threadExecutor struct {
	pool *GoroutineThreadPool
}

func newThreadExecutor(cfg Config) *threadExecutor {
	pool := NewGoroutineThreadPoolWithConfig("taskmanager-thread", cfg.ThreadWorkers, cfg.runnerConfig("taskmanager-thread"))
	pool.Start(context.Background())
	return &threadExecutor{pool: pool}
}

func (e *threadExecutor) Strategy() Strategy { return StrategyThread }

func (e *threadExecutor) Execute(ctx context.Context, run runnable) {
	ok := e.pool.TryPostTask(func(context.Context) {
		run.runLocal(ctx, inlineSuspender{})
	})
	if !ok {
		run.fail(executorLost(errors.New("thread pool stopped")))
	}
}

// threadCloseTimeout bounds how long Close waits for the worker that emitted
// the last terminal event to return.
const threadCloseTimeout = 5 * time.Second

// Close stops the pool once every queued and active closure has returned.
func (e *threadExecutor) Close() error {
	return e.pool.StopGraceful(threadCloseTimeout)
}
