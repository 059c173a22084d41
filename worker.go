package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/Swind/go-task-manager/core"
	"github.com/Swind/go-task-manager/wire"
)

// IsWorkerProcess reports whether this process was started by a PROCESS
// executor. Programs that use StrategyProcess call it early in main and hand
// control to ServeWorkerProcess when it returns true.
func IsWorkerProcess() bool {
	return os.Getenv(WorkerEnv) == "1"
}

// ServeWorkerProcess serves one run over the process's stdin and stdout.
//
// While the handler runs, os.Stdout points at stderr so stray prints cannot
// corrupt the frame stream.
func ServeWorkerProcess(ctx context.Context, specs []Spec, opts ...Option) error {
	frames := os.Stdout
	os.Stdout = os.Stderr
	defer func() { os.Stdout = frames }()

	return ServeWorker(ctx, specs, os.Stdin, frames, opts...)
}

// ServeWorker reads a START frame from r, runs the named spec's handler and
// writes its PROGRESS, HEARTBEAT and RESULT frames to w. The handler context
// is cancelled when r reaches EOF, which is how a worker notices that its
// manager is gone.
//
// The error return covers the protocol only; handler failures travel in the
// RESULT frame.
func ServeWorker(ctx context.Context, specs []Spec, r io.Reader, w io.Writer, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	dec := wire.NewDecoder(r)
	start, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("read start frame: %w", err)
	}
	if start.Kind != wire.KindStart {
		return fmt.Errorf("expected %s frame, got %s", wire.KindStart, start.Kind)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The manager sends nothing after START; the read only returns when
	// stdin closes.
	go func() {
		for {
			if _, err := dec.Decode(); err != nil {
				cancel()
				return
			}
		}
	}()

	enc := wire.NewEncoder(w)
	stopHeartbeat := startHeartbeat(enc, start.Heartbeat)

	var result wire.Frame
	if spec := findSpec(specs, start.Task); spec != nil {
		cfg.Logger.Debug("worker serving run", core.F("task", start.Task), core.F("run", start.Run))
		result = spec.serveRemote(ctx, start, enc, cfg.Codec)
	} else {
		result = failedFrame(wire.FailureUnknownTask, fmt.Sprintf("no task named %q in worker", start.Task))
	}
	stopHeartbeat()

	if result.Error != nil && result.Error.Kind == wire.FailurePanic {
		cfg.PanicHandler.HandlePanic(ctx, "taskmanager-worker", -1, result.Error.Message, []byte(result.Error.Stack))
	}
	return enc.Encode(result)
}

func findSpec(specs []Spec, name string) Spec {
	for _, s := range specs {
		if s != nil && s.Describe().Name == name {
			return s
		}
	}
	return nil
}

// startHeartbeat emits HEARTBEAT frames every interval until the returned
// func is called.
func startHeartbeat(enc *wire.Encoder, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := enc.Encode(wire.Frame{Kind: wire.KindHeartbeat}); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func failedFrame(kind, msg string) wire.Frame {
	return wire.Frame{
		Kind:    wire.KindResult,
		Outcome: wire.OutcomeFailed,
		Error:   &wire.ErrorInfo{Kind: kind, Message: msg},
	}
}

// errorInfo flattens a run cause for the trip back to the manager.
func errorInfo(err error) *wire.ErrorInfo {
	var herr *HandlerError
	switch {
	case errors.Is(err, ErrContractViolation):
		return &wire.ErrorInfo{Kind: wire.FailureContract, Message: err.Error()}
	case errors.Is(err, ErrSerialization):
		return &wire.ErrorInfo{Kind: wire.FailureSerialization, Message: err.Error()}
	case errors.Is(err, ErrCancelled):
		return &wire.ErrorInfo{Kind: wire.FailureCancelled, Message: err.Error()}
	case errors.As(err, &herr) && herr.Panic != nil:
		return &wire.ErrorInfo{Kind: wire.FailurePanic, Message: fmt.Sprint(herr.Panic), Stack: string(herr.Stack)}
	case errors.As(err, &herr):
		return &wire.ErrorInfo{Kind: wire.FailureHandler, Message: herr.Cause.Error()}
	default:
		return &wire.ErrorInfo{Kind: wire.FailureHandler, Message: err.Error()}
	}
}

func (s *TaskSpec[T]) serveRemote(ctx context.Context, start wire.Frame, out *wire.Encoder, codec wire.Codec) wire.Frame {
	t := &remoteTask[T]{
		info: RunInfo{
			ID:       RunID(start.Run),
			Index:    start.Index,
			Name:     s.Name,
			Strategy: StrategyProcess,
		},
		data:  s.Data,
		out:   out,
		codec: codec,
	}
	if len(start.Data) > 0 {
		var v T
		if err := codec.Unmarshal(start.Data, &v); err != nil {
			return failedFrame(wire.FailureSerialization, fmt.Sprintf("decode %s payload: %v", s.Name, err))
		}
		t.data = v
	}

	err := invokeHandler(ctx, s.Name, s.Handler, Task[T](t))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken != nil {
		err = t.broken
	}

	data, merr := codec.Marshal(t.data)
	if merr != nil {
		return failedFrame(wire.FailureSerialization, fmt.Sprintf("encode %s payload: %v", s.Name, merr))
	}
	res := wire.Frame{Kind: wire.KindResult, Data: data, Progress: t.progress}
	if err == nil {
		res.Outcome = wire.OutcomeSucceeded
		return res
	}
	res.Outcome = wire.OutcomeFailed
	res.Error = errorInfo(err)
	return res
}

// remoteTask is the Task handed to handlers inside a worker process. It
// enforces the progress contract locally so a violating handler fails fast,
// and the manager re-checks every frame it receives.
type remoteTask[T any] struct {
	info  RunInfo
	out   *wire.Encoder
	codec wire.Codec

	mu       sync.Mutex
	data     T
	progress float64
	broken   error
}

func (t *remoteTask[T]) Info() RunInfo { return t.info }
func (t *remoteTask[T]) Data() *T      { return &t.data }

func (t *remoteTask[T]) UpdateProgress(ratio float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.broken != nil:
		return contractViolation("progress update on failed run")
	case math.IsNaN(ratio) || ratio < 0 || ratio > 1:
		t.broken = contractViolation("progress %v outside [0, 1]", ratio)
		return t.broken
	case ratio < t.progress:
		t.broken = contractViolation("progress regressed from %v to %v", t.progress, ratio)
		return t.broken
	}

	data, err := t.codec.Marshal(t.data)
	if err != nil {
		t.broken = fmt.Errorf("%w: %w", ErrSerialization, err)
		return t.broken
	}
	t.progress = ratio
	return t.out.Encode(wire.Frame{Kind: wire.KindProgress, Progress: ratio, Data: data})
}

func (t *remoteTask[T]) Yield(ctx context.Context) error {
	return inlineSuspender{}.yield(ctx)
}

func (t *remoteTask[T]) Await(ctx context.Context, fn func(ctx context.Context) error) error {
	return inlineSuspender{}.await(ctx, fn)
}
