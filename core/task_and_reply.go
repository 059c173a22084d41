package core

import (
	"context"
	"fmt"
	"runtime/debug"
)

// TaskWithResult is a closure that produces a value for a reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the outcome of a TaskWithResult on the reply runner.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PanicError carries a panic recovered from a task so that it can travel to a
// reply as an ordinary error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// PostTaskAndReply executes task on targetRunner, then posts reply to
// replyRunner. If task panics, reply will not be executed.
func PostTaskAndReply(targetRunner TaskRunner, task Task, reply Task, replyRunner TaskRunner) {
	if replyRunner == nil {
		targetRunner.PostTask(task)
		return
	}

	targetRunner.PostTask(func(ctx context.Context) {
		// A panic propagates to the target runner's panic handler and the
		// reply is skipped.
		task(ctx)
		replyRunner.PostTask(reply)
	})
}

// PostTaskAndReplyWithResult executes a task that returns a result of type T and an error,
// then passes that result to a reply callback on the replyRunner.
//
// Unlike PostTaskAndReply, the reply always runs: a panic inside task is
// recovered and delivered to the reply as a *PanicError. Callers that park
// work waiting for the reply rely on this.
//
// Execution guarantee (Happens-Before):
// - The task ALWAYS completes before the reply starts
// - The reply ALWAYS sees the final values written by the task
//
// Example:
//
//	PostTaskAndReplyWithResult(
//	    backgroundRunner,
//	    func(ctx context.Context) (int, error) {
//	        return len("Hello"), nil
//	    },
//	    func(ctx context.Context, length int, err error) {
//	        fmt.Printf("Length: %d\n", length)
//	    },
//	    uiRunner,
//	)
func PostTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	targetRunner.PostTask(func(ctx context.Context) {
		result, err := callWithRecover(ctx, task)
		if replyRunner == nil {
			reply(ctx, result, err)
			return
		}
		replyRunner.PostTask(func(replyCtx context.Context) {
			reply(replyCtx, result, err)
		})
	})
}

func callWithRecover[T any](ctx context.Context, task TaskWithResult[T]) (result T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return task(ctx)
}
