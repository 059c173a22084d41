package taskmanager

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-task-manager/core"
)

// GoroutineThreadPool manages a set of worker goroutines
// Responsible for pulling tasks from the scheduler and executing them
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

var _ core.TaskRunner = (*GoroutineThreadPool)(nil)

// NewGoroutineThreadPool creates a new GoroutineThreadPool
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, &core.RunnerConfig{Name: id})
}

// NewGoroutineThreadPoolWithConfig creates a pool whose scheduler reports to
// the handlers in config.
func NewGoroutineThreadPoolWithConfig(id string, workers int, config *core.RunnerConfig) *GoroutineThreadPool {
	if workers < 1 {
		workers = 1
	}
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewTaskSchedulerWithConfig(workers, config),
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return // Already running
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop drops queued closures and waits for the running ones to return.
func (tg *GoroutineThreadPool) Stop() {
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// StopGraceful stops the thread pool gracefully, waiting for queued tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)
	if tg.cancel != nil {
		tg.cancel()
	}
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	return err
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// PostTask queues task for the next free worker.
func (tg *GoroutineThreadPool) PostTask(task core.Task) {
	tg.scheduler.PostInternal(task)
}

// TryPostTask is PostTask reporting whether the pool accepted task.
func (tg *GoroutineThreadPool) TryPostTask(task core.Task) bool {
	return tg.scheduler.PostInternal(task)
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()
	for {
		task, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			return
		}

		tg.scheduler.OnTaskStart()
		tg.execute(ctx, id, task)
	}
}

func (tg *GoroutineThreadPool) execute(ctx context.Context, id int, task core.Task) {
	start := time.Now()
	defer func() {
		tg.scheduler.OnTaskEnd()
		metrics := tg.scheduler.GetMetrics()
		if r := recover(); r != nil {
			tg.scheduler.GetPanicHandler().HandlePanic(ctx, tg.id, id, r, debug.Stack())
			metrics.RecordTaskPanic(tg.id, r)
		}
		metrics.RecordTaskDuration(tg.id, time.Since(start))
	}()
	task(ctx)
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}
