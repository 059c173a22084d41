package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TaskScheduler is the work source behind a worker pool: producers post
// closures, workers pull them with GetWork. Closures are handed out in
// posting order.
type TaskScheduler struct {
	name        string
	queue       *FIFOQueue[Task]
	signal      chan struct{}
	workerCount int

	metricQueued int32 // Waiting in ReadyQueue
	metricActive int32 // Executing in Worker

	// Handlers and Metrics
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	// Lifecycle
	shuttingDown atomic.Bool
}

// NewTaskScheduler creates a scheduler for workerCount workers.
func NewTaskScheduler(workerCount int) *TaskScheduler {
	return NewTaskSchedulerWithConfig(workerCount, DefaultRunnerConfig())
}

// NewTaskSchedulerWithConfig creates a scheduler with custom handlers.
func NewTaskSchedulerWithConfig(workerCount int, config *RunnerConfig) *TaskScheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	cfg := config.withDefaults()
	name := cfg.Name
	if name == "" {
		name = "TaskScheduler"
	}
	return &TaskScheduler{
		name:                name,
		queue:               NewFIFOQueue[Task](),
		signal:              make(chan struct{}, workerCount*2),
		workerCount:         workerCount,
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
	}
}

// PostInternal queues task for the next free worker. Tasks posted after
// Shutdown are rejected.
func (s *TaskScheduler) PostInternal(task Task) bool {
	if s.shuttingDown.Load() {
		s.rejectedTaskHandler.HandleRejectedTask(s.name, "shutting down")
		s.metrics.RecordTaskRejected(s.name, "shutting down")
		return false
	}

	s.queue.Push(task)
	queued := atomic.AddInt32(&s.metricQueued, 1)
	s.metrics.RecordQueueDepth(s.name, int(queued))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
		// This is not an error, just a optimization hint
	}
	return true
}

// GetWork (Called by Worker)
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (Task, bool) {
	for {
		if task, ok := s.queue.Pop(); ok {
			queued := atomic.AddInt32(&s.metricQueued, -1)
			s.metrics.RecordQueueDepth(s.name, int(queued))
			return task, true
		}

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// Shutdown stops accepting tasks and drops everything still queued.
func (s *TaskScheduler) Shutdown() {
	s.shuttingDown.Store(true)
	s.queue.Clear()
	atomic.StoreInt32(&s.metricQueued, 0)
}

// ShutdownGraceful stops accepting tasks and waits for queued and active
// tasks to complete. Returns error if timeout is exceeded before tasks complete.
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.shuttingDown.Store(true)

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
			return nil
		}
		select {
		case <-deadline:
			s.queue.Clear()
			return fmt.Errorf("shutdown graceful timeout after %v, forced clearing", timeout)
		case <-ticker.C:
		}
	}
}

// Metrics
func (s *TaskScheduler) Name() string         { return s.name }
func (s *TaskScheduler) WorkerCount() int     { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int { return int(atomic.LoadInt32(&s.metricQueued)) }
func (s *TaskScheduler) ActiveTaskCount() int { return int(atomic.LoadInt32(&s.metricActive)) }

func (s *TaskScheduler) OnTaskStart() {
	atomic.AddInt32(&s.metricActive, 1)
}

func (s *TaskScheduler) OnTaskEnd() {
	atomic.AddInt32(&s.metricActive, -1)
}

// GetPanicHandler returns the panic handler for this scheduler
func (s *TaskScheduler) GetPanicHandler() PanicHandler {
	return s.panicHandler
}

// GetMetrics returns the metrics collector for this scheduler
func (s *TaskScheduler) GetMetrics() Metrics {
	return s.metrics
}
