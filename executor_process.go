package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Swind/go-task-manager/core"
	"github.com/Swind/go-task-manager/wire"
)

// processExecutor runs each handler in a fresh worker process and relays its
// frames back into the run.
type processExecutor struct {
	cfg     Config
	slots   *semaphore.Weighted
	logger  core.Logger
	metrics Metrics
	stderr  io.Writer
	wg      sync.WaitGroup
	active  atomic.Int32
}

func newProcessExecutor(cfg Config) *processExecutor {
	return &processExecutor{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.ProcessWorkers)),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		stderr:  os.Stderr,
	}
}

func (e *processExecutor) Strategy() Strategy { return StrategyProcess }

func (e *processExecutor) Execute(ctx context.Context, run runnable) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(ctx, run)
	}()
}

// Close waits for every supervisor to reap its worker.
func (e *processExecutor) Close() error {
	e.wg.Wait()
	return nil
}

func (e *processExecutor) execute(ctx context.Context, run runnable) {
	if err := e.slots.Acquire(ctx, 1); err != nil {
		run.fail(cancelled(err))
		return
	}
	defer e.slots.Release(1)
	e.active.Add(1)
	defer e.active.Add(-1)

	if err := ctx.Err(); err != nil {
		run.fail(cancelled(err))
		return
	}

	err := e.supervise(ctx, run)
	if err == nil {
		return
	}
	if run.fail(err) && errors.Is(err, ErrExecutorLost) {
		e.metrics.RecordExecutorLost(StrategyProcess)
		e.logger.Warn("worker process lost",
			core.F("run", run.Info().String()),
			core.F("error", err.Error()),
		)
	}
}

// errNoResult marks a worker stream that ended before its RESULT frame.
var errNoResult = errors.New("worker exited without a result")

// supervise starts a worker for run and drives it to the end. A nil return
// means the run reached a terminal state from the worker's own frames.
func (e *processExecutor) supervise(ctx context.Context, run runnable) error {
	if len(e.cfg.WorkerCommand) == 0 {
		return executorLost(errors.New("no worker command configured"))
	}
	input, err := run.encodeInput()
	if err != nil {
		return executorLost(err)
	}

	info := run.Info()
	cmd := exec.Command(e.cfg.WorkerCommand[0], e.cfg.WorkerCommand[1:]...)
	cmd.Env = append(os.Environ(), WorkerEnv+"=1")
	cmd.Env = append(cmd.Env, e.cfg.WorkerEnv...)
	cmd.Stderr = e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return executorLost(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return executorLost(err)
	}
	if err := cmd.Start(); err != nil {
		return executorLost(fmt.Errorf("start worker: %w", err))
	}
	e.logger.Debug("worker started", core.F("run", info.String()), core.F("pid", cmd.Process.Pid))

	// stdin stays open for the whole run; the worker treats EOF on it as the
	// manager going away.
	start := wire.Frame{
		Kind:      wire.KindStart,
		Task:      info.Name,
		Run:       string(info.ID),
		Index:     info.Index,
		Data:      input,
		Heartbeat: e.cfg.HeartbeatInterval,
	}
	if err := wire.NewEncoder(stdin).Encode(start); err != nil {
		_ = cmd.Process.Kill()
		_ = stdin.Close()
		_ = cmd.Wait()
		return executorLost(err)
	}

	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())
	readDone := make(chan error, 1)
	go func() {
		readDone <- relayFrames(run, wire.NewDecoder(stdout), &lastSeen)
	}()

	check := max(e.cfg.HeartbeatTimeout/4, 10*time.Millisecond)
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	var cause error
	readerFinished := false
	for cause == nil && !readerFinished {
		select {
		case err := <-readDone:
			readerFinished = true
			cause = err
		case <-ticker.C:
			if time.Since(time.Unix(0, lastSeen.Load())) > e.cfg.HeartbeatTimeout {
				cause = executorLost(fmt.Errorf("no heartbeat for %v", e.cfg.HeartbeatTimeout))
			}
		case <-ctx.Done():
			cause = cancelled(ctx.Err())
		}
	}

	if cause != nil {
		_ = cmd.Process.Kill()
	}
	if !readerFinished {
		<-readDone
	}
	_ = stdin.Close()
	waitErr := cmd.Wait()

	switch {
	case cause == nil:
		if waitErr != nil {
			e.logger.Debug("worker exited after result",
				core.F("run", info.String()),
				core.F("status", cmd.ProcessState.String()),
			)
		}
		return nil
	case errors.Is(cause, errNoResult):
		return executorLost(fmt.Errorf("worker ended with %s before reporting a result", exitDescription(cmd.ProcessState, waitErr)))
	case errors.Is(cause, ErrContractViolation):
		// The run already failed on the offending frame.
		return nil
	default:
		return cause
	}
}

// relayFrames applies the worker's frames to run until RESULT or the end of
// the stream.
func relayFrames(run runnable, dec *wire.Decoder, lastSeen *atomic.Int64) error {
	for {
		f, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errNoResult
			}
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) {
				return fmt.Errorf("%w: %w", errNoResult, err)
			}
			return executorLost(fmt.Errorf("%w: %w", ErrSerialization, err))
		}
		lastSeen.Store(time.Now().UnixNano())

		switch f.Kind {
		case wire.KindHeartbeat:
		case wire.KindProgress:
			if err := run.applyProgress(f.Progress, f.Data); err != nil {
				if errors.Is(err, ErrSerialization) {
					return executorLost(err)
				}
				return err
			}
		case wire.KindResult:
			if err := run.applyResult(f); err != nil {
				return executorLost(err)
			}
			return nil
		default:
			return executorLost(fmt.Errorf("%w: unexpected %s frame from worker", ErrSerialization, f.Kind))
		}
	}
}

func exitDescription(state *os.ProcessState, waitErr error) string {
	if state != nil {
		return state.String()
	}
	if waitErr != nil {
		return waitErr.Error()
	}
	return "exited"
}
