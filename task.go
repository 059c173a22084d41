package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/Swind/go-task-manager/wire"
)

// Task is the capability a handler uses to drive one run.
//
// A Task is only valid inside the handler it was passed to.
type Task[T any] interface {
	// Info identifies the run.
	Info() RunInfo

	// Data returns the run's own payload. The handler may mutate it freely;
	// every UpdateProgress publishes a copy that shares no memory with it
	// (see Cloner).
	Data() *T

	// UpdateProgress reports the fraction of work done. ratio must be in
	// [0, 1] and must not be lower than the previously reported ratio. A
	// violating call fails the run with ErrContractViolation and returns that
	// error; the handler should return promptly.
	UpdateProgress(ratio float64) error

	// Yield is an explicit suspension point. ASYNC runs give the shared loop
	// to other ASYNC runs here. In every strategy it returns an error wrapping
	// ErrCancelled once the batch has been cancelled.
	//
	// Yield must be called from the handler's own goroutine, never from
	// inside an Await function or a goroutine the handler started.
	Yield(ctx context.Context) error

	// Await runs fn and returns its error. ASYNC runs release the shared loop
	// while fn executes off-loop; other strategies run fn inline.
	//
	// Await must be called from the handler's own goroutine, and fn must not
	// call Yield or Await itself: for ASYNC runs the handler would resume
	// while fn is still running.
	Await(ctx context.Context, fn func(ctx context.Context) error) error
}

// Cloner is implemented by payloads that know how to deep-copy themselves.
// Without it, payloads holding maps, slices or pointers are copied through
// the manager's codec, which only carries what the codec can encode.
type Cloner[T any] interface {
	Clone() T
}

// Handler drives a Task to completion. Returning nil marks the run
// SUCCEEDED; returning an error or panicking marks it FAILED.
type Handler[T any] func(ctx context.Context, task Task[T]) error

// TaskSpec registers a handler, its initial payload and its strategy.
// The type parameter T is the payload type the handler accepts.
//
// For StrategyProcess, T must round-trip through the manager's codec (JSON
// by default) and the worker process must be given a spec with the same Name.
type TaskSpec[T any] struct {
	Name     string
	Data     T
	Handler  Handler[T]
	Strategy Strategy
}

// NewTaskSpec is a convenience constructor for TaskSpec.
func NewTaskSpec[T any](name string, strategy Strategy, data T, handler Handler[T]) *TaskSpec[T] {
	return &TaskSpec[T]{Name: name, Data: data, Handler: handler, Strategy: strategy}
}

// SpecInfo describes a Spec without its type parameter.
type SpecInfo struct {
	Name     string
	Strategy Strategy
	DataType reflect.Type
}

// Spec is the type-erased view of a *TaskSpec[T] so one manager can hold
// specs with different payload types.
type Spec interface {
	Describe() SpecInfo

	validate() error
	newRun(info RunInfo, env *runEnv) runnable
	serveRemote(ctx context.Context, start wire.Frame, out *wire.Encoder, codec wire.Codec) wire.Frame
}

var _ Spec = (*TaskSpec[int])(nil)

// Describe implements Spec.
func (s *TaskSpec[T]) Describe() SpecInfo {
	if s == nil {
		return SpecInfo{DataType: s.DataType()}
	}
	return SpecInfo{
		Name:     s.Name,
		Strategy: s.Strategy,
		DataType: s.DataType(),
	}
}

// DataType returns the payload type the handler accepts.
func (s *TaskSpec[T]) DataType() reflect.Type {
	return reflect.TypeFor[T]()
}

func (s *TaskSpec[T]) validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil %s spec", ErrInvalidSpec, reflect.TypeFor[T]())
	case s.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	case !s.Strategy.Valid():
		return fmt.Errorf("%w: task %q has %s", ErrInvalidSpec, s.Name, s.Strategy)
	case s.Handler == nil:
		return fmt.Errorf("%w: task %q has no handler", ErrInvalidSpec, s.Name)
	}
	return nil
}

func (s *TaskSpec[T]) newRun(info RunInfo, env *runEnv) runnable {
	flat := isFlat(reflect.TypeFor[T]())
	return &taskRun[T]{
		runBase: runBase{info: info, state: StateInProgress, env: env},
		spec:    s,
		data:    copyPayload(s.Data, flat, env.codec),
		flat:    flat,
	}
}

// invokeHandler calls h and converts its outcome into a run cause: nil,
// a *HandlerError, or a contract/cancellation error passed through as-is.
func invokeHandler[T any](ctx context.Context, name string, h Handler[T], task Task[T]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerError{
				Task:  name,
				Cause: fmt.Errorf("panic: %v", rec),
				Panic: rec,
				Stack: debug.Stack(),
			}
		}
	}()

	herr := h(ctx, task)
	switch {
	case herr == nil:
		return nil
	case errors.Is(herr, ErrContractViolation), errors.Is(herr, ErrCancelled):
		return herr
	case ctx.Err() != nil && errors.Is(herr, ctx.Err()):
		return cancelled(herr)
	default:
		return &HandlerError{Task: name, Cause: herr}
	}
}

// =============================================================================
// Suspension points
// =============================================================================

// suspender implements Yield and Await for one concurrency domain.
type suspender interface {
	yield(ctx context.Context) error
	await(ctx context.Context, fn func(ctx context.Context) error) error
}

// inlineSuspender is used by preemptive domains: nothing to give up, only
// cancellation to observe.
type inlineSuspender struct{}

func (inlineSuspender) yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return nil
}

func (inlineSuspender) await(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	return fn(ctx)
}
