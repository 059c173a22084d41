package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// TestTaskScheduler_FIFO tests hand-out order
// Main test items:
// 1. Post several tasks before any worker pulls
// 2. GetWork returns them in posting order
// 3. Queue metrics follow the queue length
func TestTaskScheduler_FIFO(t *testing.T) {
	metrics := NewTestMetrics()
	s := NewTaskSchedulerWithConfig(1, &RunnerConfig{Name: "fifo", Metrics: metrics})

	var order []int
	for i := 0; i < 3; i++ {
		if !s.PostInternal(func(ctx context.Context) { order = append(order, i) }) {
			t.Fatalf("PostInternal(%d) rejected", i)
		}
	}
	if s.QueuedTaskCount() != 3 {
		t.Errorf("QueuedTaskCount() = %d, want 3", s.QueuedTaskCount())
	}

	stop := make(chan struct{})
	for i := 0; i < 3; i++ {
		task, ok := s.GetWork(stop)
		if !ok {
			t.Fatalf("GetWork %d returned no task", i)
		}
		task(context.Background())
	}

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("order = %v, want [0 1 2]", order)
	}
	if s.QueuedTaskCount() != 0 {
		t.Errorf("QueuedTaskCount() = %d, want 0", s.QueuedTaskCount())
	}
	want := []int{1, 2, 3, 2, 1, 0}
	got := metrics.QueueDepths()
	if len(got) != len(want) {
		t.Fatalf("queue depths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("queue depths = %v, want %v", got, want)
			break
		}
	}
}

// TestTaskScheduler_GetWorkStops tests worker release
// Main test items:
// 1. A worker blocks in GetWork on an empty queue
// 2. Closing stopCh releases it with ok=false
func TestTaskScheduler_GetWorkStops(t *testing.T) {
	s := NewTaskScheduler(1)
	stop := make(chan struct{})

	done := make(chan bool)
	go func() {
		_, ok := s.GetWork(stop)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)

	select {
	case ok := <-done:
		if ok {
			t.Error("GetWork returned a task from an empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("GetWork did not return after stop")
	}
}

// TestTaskScheduler_Shutdown tests rejection and queue clearing
// Main test items:
// 1. Queued tasks are dropped by Shutdown
// 2. Tasks posted afterwards are rejected and reported
func TestTaskScheduler_Shutdown(t *testing.T) {
	metrics := NewTestMetrics()
	s := NewTaskSchedulerWithConfig(2, &RunnerConfig{Metrics: metrics})
	s.PostInternal(func(ctx context.Context) {})

	s.Shutdown()

	if s.QueuedTaskCount() != 0 {
		t.Errorf("QueuedTaskCount() = %d after Shutdown, want 0", s.QueuedTaskCount())
	}
	if s.PostInternal(func(ctx context.Context) {}) {
		t.Error("PostInternal accepted a task after Shutdown")
	}
	if r := metrics.Rejections(); len(r) != 1 || r[0] != "shutting down" {
		t.Errorf("rejections = %v, want [shutting down]", r)
	}
}

// TestTaskScheduler_ShutdownGraceful tests waiting for in-flight work
// Main test items:
// 1. An active task finishes within the timeout, ShutdownGraceful returns nil
// 2. A task that outlives the timeout makes ShutdownGraceful return an error
func TestTaskScheduler_ShutdownGraceful(t *testing.T) {
	t.Run("Drains", func(t *testing.T) {
		s := NewTaskScheduler(1)
		s.OnTaskStart()
		go func() {
			time.Sleep(30 * time.Millisecond)
			s.OnTaskEnd()
		}()

		if err := s.ShutdownGraceful(time.Second); err != nil {
			t.Errorf("ShutdownGraceful() = %v, want nil", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		s := NewTaskScheduler(1)
		var ran atomic.Bool
		s.PostInternal(func(ctx context.Context) { ran.Store(true) })

		if err := s.ShutdownGraceful(30 * time.Millisecond); err == nil {
			t.Error("ShutdownGraceful() = nil with a task nobody pulled")
		}
		if s.queue.Len() != 0 {
			t.Error("queue not cleared after graceful timeout")
		}
		if ran.Load() {
			t.Error("task ran without a worker")
		}
	})
}

func TestTaskScheduler_Defaults(t *testing.T) {
	s := NewTaskScheduler(0)
	if s.WorkerCount() != 1 {
		t.Errorf("WorkerCount() = %d, want 1", s.WorkerCount())
	}
	if s.Name() != "TaskScheduler" {
		t.Errorf("Name() = %q, want TaskScheduler", s.Name())
	}
	if s.GetPanicHandler() == nil || s.GetMetrics() == nil {
		t.Error("default handlers missing")
	}
}
