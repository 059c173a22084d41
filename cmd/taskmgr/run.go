package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	taskmanager "github.com/Swind/go-task-manager"
	"github.com/Swind/go-task-manager/core"
)

// runBatch runs the batch described by o and renders its stream to out from
// a dedicated owner goroutine. It returns an error if any run failed.
func runBatch(ctx context.Context, o options, out, errOut io.Writer) error {
	b, err := loadBatch(o.Batch)
	if err != nil {
		return err
	}
	specs, err := b.specs()
	if err != nil {
		return err
	}

	slogger, closeLog, err := newLogger(o, errOut)
	if err != nil {
		return err
	}
	defer closeLog()
	logger := core.NewSlogLogger(slogger)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if abs, err := filepath.Abs(o.Batch); err == nil {
		o.Batch = abs
	}

	opts := []taskmanager.Option{
		taskmanager.WithThreadWorkers(o.ThreadWorkers),
		taskmanager.WithProcessWorkers(o.ProcessWorkers),
		taskmanager.WithHeartbeat(o.Heartbeat, o.HeartbeatTimeout),
		taskmanager.WithWorkerCommand(o.workerCommand(exe)...),
		taskmanager.WithLogger(logger),
	}

	if o.Trace {
		tracer, shutdown, err := startTracing(errOut)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
		opts = append(opts, taskmanager.WithTracer(tracer))
	}

	var metrics *metricsServer
	if o.MetricsAddr != "" {
		metrics, err = startMetrics(o.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metrics.Shutdown(sctx)
		}()
		opts = append(opts, taskmanager.WithMetrics(metrics.exporter), taskmanager.WithRunnerMetrics(metrics.exporter))
	}

	m, err := taskmanager.NewManager(specs, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metrics != nil {
		metrics.poller.AddManager("batch", m)
		metrics.poller.Start(ctx)
	}

	ui := core.NewSingleThreadTaskRunnerWithConfig(&core.RunnerConfig{Name: "ui", Logger: logger})
	defer ui.Stop()

	stream, done, err := m.Start(ctx)
	if err != nil {
		return err
	}
	r := &renderer{out: out}
	if err := stream.Dispatch(ui, r.render); err != nil {
		m.Cancel()
		return err
	}

	// Cancellation fails the remaining runs, so completion always resolves.
	<-done.Done()

	fmt.Fprintf(out, "%d runs: %d succeeded, %d failed\n", r.succeeded+r.failed, r.succeeded, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d of %d runs failed", r.failed, r.succeeded+r.failed)
	}
	return nil
}

// renderer prints stream events. It only runs on the owner goroutine.
type renderer struct {
	out       io.Writer
	succeeded int
	failed    int
}

func (r *renderer) render(ev taskmanager.Event) {
	switch ev.Status.State {
	case taskmanager.StateInProgress:
		fmt.Fprintf(r.out, "[%3.0f%%] %s\n", ev.Status.Progress*100, ev.Run)
	case taskmanager.StateSucceeded:
		r.succeeded++
		fmt.Fprintf(r.out, "[done] %s\n", ev.Run)
	case taskmanager.StateFailed:
		r.failed++
		fmt.Fprintf(r.out, "[FAIL] %s: %v\n", ev.Run, ev.Err)
	}
}

// serveWorker is the body of a worker process started by a PROCESS run.
func serveWorker(ctx context.Context, o options, errOut io.Writer) error {
	b, err := loadBatch(o.Batch)
	if err != nil {
		return err
	}
	specs, err := b.specs()
	if err != nil {
		return err
	}

	slogger, closeLog, err := newLogger(options{LogFormat: o.LogFormat, LogLevel: o.LogLevel}, errOut)
	if err != nil {
		return err
	}
	defer closeLog()

	return taskmanager.ServeWorkerProcess(ctx, specs, taskmanager.WithLogger(core.NewSlogLogger(slogger)))
}
