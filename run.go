package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/Swind/go-task-manager/core"
	"github.com/Swind/go-task-manager/wire"
)

// runEnv is what a run needs from its manager.
type runEnv struct {
	// emit publishes an event. It is called with the run lock held, which is
	// what keeps the events of one run strictly ordered.
	emit         func(Event)
	codec        wire.Codec
	panicHandler core.PanicHandler
}

// runnable is the type-erased view of a taskRun the executors work with.
type runnable interface {
	Info() RunInfo

	// runLocal executes the handler on the calling goroutine and drives the
	// run to a terminal state.
	runLocal(ctx context.Context, s suspender)

	// fail moves the run to FAILED unless it is already terminal.
	fail(err error) bool
	terminal() bool

	// PROCESS parent side.
	encodeInput() ([]byte, error)
	applyProgress(ratio float64, data []byte) error
	applyResult(f wire.Frame) error
}

// runBase holds the state machine shared by every payload type.
type runBase struct {
	info RunInfo
	env  *runEnv

	mu       sync.Mutex
	state    TaskState
	progress float64
	err      error
}

func (r *runBase) Info() RunInfo { return r.info }

func (r *runBase) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Terminal()
}

// checkProgressLocked validates ratio against the run's contract.
func (r *runBase) checkProgressLocked(ratio float64) error {
	switch {
	case r.state.Terminal():
		return contractViolation("progress update on %s run", r.state)
	case math.IsNaN(ratio) || ratio < 0 || ratio > 1:
		return contractViolation("progress %v outside [0, 1]", ratio)
	case ratio < r.progress:
		return contractViolation("progress regressed from %v to %v", r.progress, ratio)
	}
	return nil
}

// taskRun binds one spec's handler to one live payload.
type taskRun[T any] struct {
	runBase
	spec *TaskSpec[T]
	data T
	// flat is set when a plain assignment of T shares no memory.
	flat bool
}

func (r *taskRun[T]) emitLocked() {
	ev := Event{
		Run: r.info,
		Status: TaskStatus[any]{
			Data:     copyPayload(r.data, r.flat, r.env.codec),
			State:    r.state,
			Progress: r.progress,
		},
	}
	if r.state == StateFailed {
		ev.Err = r.err
	}
	r.env.emit(ev)
}

func (r *taskRun[T]) finishLocked(err error) bool {
	if r.state.Terminal() {
		return false
	}
	if err != nil {
		r.state = StateFailed
		r.err = err
	} else {
		r.state = StateSucceeded
		r.progress = 1
	}
	r.emitLocked()
	return true
}

func (r *taskRun[T]) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishLocked(err)
}

func (r *taskRun[T]) update(ratio float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkProgressLocked(ratio); err != nil {
		r.finishLocked(err)
		return err
	}
	r.progress = ratio
	r.emitLocked()
	return nil
}

func (r *taskRun[T]) runLocal(ctx context.Context, s suspender) {
	if err := ctx.Err(); err != nil {
		r.fail(cancelled(err))
		return
	}

	err := invokeHandler(ctx, r.spec.Name, r.spec.Handler, Task[T](&localTask[T]{run: r, sched: s}))

	var herr *HandlerError
	if errors.As(err, &herr) && herr.Panic != nil && r.env.panicHandler != nil {
		r.env.panicHandler.HandlePanic(ctx, r.info.String(), -1, herr.Panic, herr.Stack)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(err)
}

func (r *taskRun[T]) encodeInput() ([]byte, error) {
	data, err := r.env.codec.Marshal(r.spec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return data, nil
}

// decodeLocked replaces the payload with a snapshot received from a worker.
func (r *taskRun[T]) decodeLocked(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var v T
	if err := r.env.codec.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	r.data = v
	return nil
}

func (r *taskRun[T]) applyProgress(ratio float64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return nil
	}
	if err := r.checkProgressLocked(ratio); err != nil {
		r.finishLocked(err)
		return err
	}
	if err := r.decodeLocked(data); err != nil {
		return err
	}
	r.progress = ratio
	r.emitLocked()
	return nil
}

func (r *taskRun[T]) applyResult(f wire.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return nil
	}
	if err := r.decodeLocked(f.Data); err != nil {
		return err
	}
	if f.Outcome == wire.OutcomeSucceeded {
		r.finishLocked(nil)
		return nil
	}
	r.finishLocked(remoteCause(r.spec.Name, f.Error))
	return nil
}

// remoteCause rebuilds a run cause from a worker's failure report.
func remoteCause(task string, info *wire.ErrorInfo) error {
	if info == nil {
		return &HandlerError{Task: task, Cause: &remoteError{msg: "unknown failure"}, Remote: true}
	}
	cause := &remoteError{msg: info.Message}
	switch info.Kind {
	case wire.FailureContract:
		return fmt.Errorf("%w: %s", ErrContractViolation, info.Message)
	case wire.FailureCancelled:
		return cancelled(cause)
	case wire.FailureSerialization:
		return executorLost(fmt.Errorf("%w: %w", ErrSerialization, cause))
	case wire.FailureUnknownTask:
		return executorLost(cause)
	case wire.FailurePanic:
		return &HandlerError{Task: task, Cause: cause, Panic: info.Message, Stack: []byte(info.Stack), Remote: true}
	default:
		return &HandlerError{Task: task, Cause: cause, Remote: true}
	}
}

// localTask is the Task handed to handlers running in this process.
type localTask[T any] struct {
	run   *taskRun[T]
	sched suspender
}

func (t *localTask[T]) Info() RunInfo                      { return t.run.info }
func (t *localTask[T]) Data() *T                           { return &t.run.data }
func (t *localTask[T]) UpdateProgress(ratio float64) error { return t.run.update(ratio) }
func (t *localTask[T]) Yield(ctx context.Context) error    { return t.sched.yield(ctx) }

func (t *localTask[T]) Await(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.sched.await(ctx, fn)
}

// =============================================================================
// Payload snapshots
// =============================================================================

// copyPayload returns a copy of v that shares no memory with it. A Cloner
// payload copies itself; any other payload holding maps, slices or pointers
// round-trips through codec. If the codec cannot handle v, the copy is
// shallow.
func copyPayload[T any](v T, flat bool, codec wire.Codec) T {
	if c, ok := any(v).(Cloner[T]); ok {
		return c.Clone()
	}
	if c, ok := any(&v).(Cloner[T]); ok {
		return c.Clone()
	}
	if flat || codec == nil {
		return v
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := codec.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

var timeType = reflect.TypeFor[time.Time]()

// isFlat reports whether copying a value of t by assignment yields an
// independent value.
func isFlat(t reflect.Type) bool {
	if t == timeType {
		return true
	}
	switch t.Kind() {
	case reflect.Array:
		return isFlat(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !isFlat(t.Field(i).Type) {
				return false
			}
		}
		return true
	case reflect.Map, reflect.Slice, reflect.Pointer, reflect.Interface,
		reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}
