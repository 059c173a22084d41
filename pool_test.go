package taskmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Swind/go-task-manager/core"
)

var _ core.TaskRunner = (*GoroutineThreadPool)(nil)

func TestGoroutineThreadPool_Lifecycle(t *testing.T) {
	pool := NewGoroutineThreadPool("test-pool", 2)

	if pool.ID() != "test-pool" {
		t.Errorf("expected ID 'test-pool', got %s", pool.ID())
	}

	if pool.IsRunning() {
		t.Error("pool should not be running initially")
	}

	pool.Start(context.Background())

	if !pool.IsRunning() {
		t.Error("pool should be running after Start()")
	}

	if pool.WorkerCount() != 2 {
		t.Errorf("expected 2 workers, got %d", pool.WorkerCount())
	}

	pool.Stop()

	if pool.IsRunning() {
		t.Error("pool should not be running after Stop()")
	}
}

func TestGoroutineThreadPool_TaskExecution(t *testing.T) {
	pool := NewGoroutineThreadPool("exec-pool", 4)
	pool.Start(context.Background())
	defer pool.Stop()

	var counter int32
	var wg sync.WaitGroup
	taskCount := 10

	wg.Add(taskCount)

	task := func(ctx context.Context) {
		defer wg.Done()
		atomic.AddInt32(&counter, 1)
		time.Sleep(10 * time.Millisecond) // Simulate work
	}

	for i := 0; i < taskCount; i++ {
		pool.PostTask(task)
	}

	wg.Wait()

	if val := atomic.LoadInt32(&counter); val != int32(taskCount) {
		t.Errorf("expected %d executed tasks, got %d", taskCount, val)
	}
}

// TestGoroutineThreadPool_SingleWorkerIsFIFO verifies closures are handed out in posting order
// Given: A pool with a single worker
// When: Ten closures are posted
// Then: They run in the order they were posted
func TestGoroutineThreadPool_SingleWorkerIsFIFO(t *testing.T) {
	// Arrange
	pool := NewGoroutineThreadPool("fifo-pool", 1)
	pool.Start(context.Background())
	defer pool.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Act
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.PostTask(func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	// Assert
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d (order=%v)", i, v, i, order)
		}
	}
}

func TestGoroutineThreadPool_Metrics(t *testing.T) {
	pool := NewGoroutineThreadPool("metrics-pool", 1) // Single worker to force queuing
	pool.Start(context.Background())
	defer pool.Stop()

	// 1. Block the worker
	blockCh := make(chan struct{})
	bgDone := make(chan struct{})

	pool.PostTask(func(ctx context.Context) {
		<-blockCh
		bgDone <- struct{}{}
	})

	// Wait a bit for worker to pick it up
	time.Sleep(50 * time.Millisecond)

	if active := pool.ActiveTaskCount(); active != 1 {
		t.Errorf("expected 1 active task, got %d", active)
	}

	// 2. Queue more tasks
	pool.PostTask(func(ctx context.Context) {})
	pool.PostTask(func(ctx context.Context) {})

	if queued := pool.QueuedTaskCount(); queued != 2 {
		t.Errorf("expected 2 queued tasks, got %d", queued)
	}

	// 3. Unblock
	close(blockCh)
	<-bgDone

	// Wait for drain
	time.Sleep(100 * time.Millisecond)

	if active := pool.ActiveTaskCount(); active != 0 {
		t.Errorf("expected 0 active tasks, got %d", active)
	}
	if queued := pool.QueuedTaskCount(); queued != 0 {
		t.Errorf("expected 0 queued tasks, got %d", queued)
	}
}

type recordingPanicHandler struct {
	mu     sync.Mutex
	values []any
	worker int
}

func (h *recordingPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values = append(h.values, panicInfo)
	h.worker = workerID
}

func (h *recordingPanicHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values)
}

// TestGoroutineThreadPool_PanicKeepsWorkerAlive verifies a panicking closure is reported and contained
// Given: A single-worker pool with a recording panic handler
// When: A closure panics and another closure is posted after it
// Then: The handler sees the panic and the second closure still runs
func TestGoroutineThreadPool_PanicKeepsWorkerAlive(t *testing.T) {
	// Arrange
	handler := &recordingPanicHandler{}
	pool := NewGoroutineThreadPoolWithConfig("panic-pool", 1, &core.RunnerConfig{PanicHandler: handler})
	pool.Start(context.Background())
	defer pool.Stop()

	done := make(chan struct{})

	// Act
	pool.PostTask(func(ctx context.Context) { panic("boom") })
	pool.PostTask(func(ctx context.Context) { close(done) })

	// Assert
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	if handler.count() != 1 {
		t.Errorf("expected 1 recorded panic, got %d", handler.count())
	}
	if handler.worker != 0 {
		t.Errorf("expected worker id 0, got %d", handler.worker)
	}
}

// TestGoroutineThreadPool_TryPostAfterStop verifies a stopped pool rejects work
// Given: A pool that has been stopped
// When: A closure is posted with TryPostTask
// Then: The pool reports the rejection
func TestGoroutineThreadPool_TryPostAfterStop(t *testing.T) {
	pool := NewGoroutineThreadPool("stopped-pool", 1)
	pool.Start(context.Background())
	pool.Stop()

	if pool.TryPostTask(func(ctx context.Context) {}) {
		t.Error("expected stopped pool to reject the task")
	}
}

// =============================================================================
// Graceful Shutdown Tests
// =============================================================================

func TestGoroutineThreadPool_StopGraceful_EmptyQueue(t *testing.T) {
	pool := NewGoroutineThreadPool("graceful-pool", 2)
	pool.Start(context.Background())

	// No tasks queued, should stop immediately
	err := pool.StopGraceful(1 * time.Second)
	if err != nil {
		t.Fatalf("StopGraceful failed: %v", err)
	}

	if pool.IsRunning() {
		t.Error("pool should not be running after StopGraceful")
	}
}

func TestGoroutineThreadPool_StopGraceful_WithQueuedTasks(t *testing.T) {
	pool := NewGoroutineThreadPool("graceful-queued-pool", 2)
	pool.Start(context.Background())

	var executed int32
	taskCount := 5

	for i := 0; i < taskCount; i++ {
		pool.PostTask(func(ctx context.Context) {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&executed, 1)
		})
	}

	if err := pool.StopGraceful(2 * time.Second); err != nil {
		t.Errorf("StopGraceful failed: %v", err)
	}

	if got := atomic.LoadInt32(&executed); got != int32(taskCount) {
		t.Errorf("expected %d executed tasks, got %d", taskCount, got)
	}

	if pool.IsRunning() {
		t.Error("pool should not be running after StopGraceful")
	}
}

func TestGoroutineThreadPool_StopGraceful_Timeout(t *testing.T) {
	pool := NewGoroutineThreadPool("timeout-pool", 1)
	pool.Start(context.Background())

	// The task checks context and should exit when context is cancelled
	pool.PostTask(func(ctx context.Context) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
	})

	// Wait for task to start
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	err := pool.StopGraceful(50 * time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Error("expected timeout error, got nil")
	}

	// Context cancellation interrupts the task, so this is nowhere near 500ms
	if elapsed > 200*time.Millisecond {
		t.Errorf("StopGraceful took too long: %v (expected ~50-100ms)", elapsed)
	}

	if pool.IsRunning() {
		t.Error("pool should not be running after timeout StopGraceful")
	}
}
