package prometheus

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	taskmanager "github.com/Swind/go-task-manager"
)

func TestMetricsExporter_RecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("taskmanager", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	exporter.RecordRunStarted(taskmanager.StrategyThread)
	exporter.RecordProgress(taskmanager.StrategyThread)
	exporter.RecordProgress(taskmanager.StrategyThread)
	exporter.RecordRunFinished(taskmanager.StrategyThread, taskmanager.StateSucceeded, 250*time.Millisecond)
	exporter.RecordExecutorLost(taskmanager.StrategyProcess)
	exporter.RecordTaskDuration("pool-a", 10*time.Millisecond)
	exporter.RecordTaskPanic("pool-a", "panic")
	exporter.RecordQueueDepth("pool-a", 7)
	exporter.RecordTaskRejected("", "closed")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"started", testutil.ToFloat64(exporter.runsStarted.WithLabelValues("thread")), 1},
		{"progress", testutil.ToFloat64(exporter.progressEvents.WithLabelValues("thread")), 2},
		{"finished", testutil.ToFloat64(exporter.runsFinished.WithLabelValues("thread", "succeeded")), 1},
		{"lost", testutil.ToFloat64(exporter.executorLost.WithLabelValues("process")), 1},
		{"panics", testutil.ToFloat64(exporter.runnerPanics.WithLabelValues("pool-a")), 1},
		{"queue", testutil.ToFloat64(exporter.runnerQueueDepth.WithLabelValues("pool-a")), 7},
		{"rejected", testutil.ToFloat64(exporter.runnerRejections.WithLabelValues("unknown", "closed")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	histCount, err := histogramSampleCount(exporter.runDuration.WithLabelValues("thread", "succeeded"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("run duration sample count = %d, want 1", histCount)
	}
}

func TestMetricsExporter_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewMetricsExporter("taskmanager", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("first NewMetricsExporter failed: %v", err)
	}
	second, err := NewMetricsExporter("taskmanager", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("second NewMetricsExporter failed: %v", err)
	}

	first.RecordRunStarted(taskmanager.StrategyAsync)
	second.RecordRunStarted(taskmanager.StrategyAsync)

	got := testutil.ToFloat64(first.runsStarted.WithLabelValues("async"))
	if got != 2 {
		t.Fatalf("shared started counter = %v, want 2", got)
	}
}

func TestMetricsExporter_NilSafe(t *testing.T) {
	var exporter *MetricsExporter
	exporter.RecordRunStarted(taskmanager.StrategyAsync)
	exporter.RecordRunFinished(taskmanager.StrategyAsync, taskmanager.StateFailed, time.Second)
	exporter.RecordTaskPanic("x", nil)
}

// TestMetricsExporter_WithManager verifies the exporter wired into a batch
// Given: A manager using the exporter for run and runner metrics
// When: One THREAD run succeeds and one fails
// Then: The finished counters and the pool's duration histogram reflect both runs
func TestMetricsExporter_WithManager(t *testing.T) {
	reg := prom.NewRegistry()
	exporter, err := NewMetricsExporter("", reg, ExporterOptions{})
	if err != nil {
		t.Fatalf("NewMetricsExporter failed: %v", err)
	}

	ok := func(ctx context.Context, task taskmanager.Task[int]) error {
		return task.UpdateProgress(0.5)
	}
	bad := func(ctx context.Context, task taskmanager.Task[int]) error {
		return errors.New("nope")
	}
	m, err := taskmanager.NewManager([]taskmanager.Spec{
		taskmanager.NewTaskSpec("ok", taskmanager.StrategyThread, 0, ok),
		taskmanager.NewTaskSpec("bad", taskmanager.StrategyThread, 0, bad),
	}, taskmanager.WithMetrics(exporter), taskmanager.WithRunnerMetrics(exporter))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, done, err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for {
		if _, err := stream.Next(ctx); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
	}
	if err := done.Wait(ctx); err == nil {
		t.Fatal("expected batch error from failing run")
	}

	if got := testutil.ToFloat64(exporter.runsFinished.WithLabelValues("thread", "succeeded")); got != 1 {
		t.Errorf("succeeded runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.runsFinished.WithLabelValues("thread", "failed")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(exporter.progressEvents.WithLabelValues("thread")); got != 1 {
		t.Errorf("progress events = %v, want 1", got)
	}
	// The pool records a closure's duration just after the closure returns.
	assertEventually(t, time.Second, func() bool {
		return testutil.CollectAndCount(exporter.runnerDuration) > 0
	})
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}

	metricCh := make(chan prom.Metric, 1)
	collector.Collect(metricCh)
	close(metricCh)
	for metric := range metricCh {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
