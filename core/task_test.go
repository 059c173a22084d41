package core

import (
	"context"
	"testing"
)

func TestTaskRunnerFunc(t *testing.T) {
	// Given: A TaskRunnerFunc that runs tasks inline
	var calls int
	runner := TaskRunnerFunc(func(task Task) {
		calls++
		task(context.Background())
	})

	// When: A task is posted
	var ran bool
	runner.PostTask(func(ctx context.Context) { ran = true })

	// Then: The function saw the task and ran it
	if calls != 1 || !ran {
		t.Errorf("calls = %d, ran = %v", calls, ran)
	}
}

func TestGetCurrentTaskRunner(t *testing.T) {
	// Given: A plain context
	// Then: There is no current runner
	if GetCurrentTaskRunner(context.Background()) != nil {
		t.Error("expected nil runner for a plain context")
	}

	// Given: A task running on a SingleThreadTaskRunner
	runner := NewSingleThreadTaskRunner()
	defer runner.Stop()

	got := make(chan TaskRunner, 1)
	runner.PostTask(func(ctx context.Context) { got <- GetCurrentTaskRunner(ctx) })

	// Then: The runner is visible through the task's context
	if r := <-got; r != runner {
		t.Errorf("GetCurrentTaskRunner() = %v, want the executing runner", r)
	}
}
