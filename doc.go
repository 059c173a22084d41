// Package taskmanager runs one batch of tasks across three concurrency
// domains and reports their progress through a single ordered stream.
//
// Each task is registered as a TaskSpec with a payload, a handler and a
// Strategy:
//
//   - StrategyAsync runs the handler cooperatively on one shared loop. The
//     handler keeps the loop until it calls Yield or Await, or returns.
//   - StrategyThread runs the handler on a bounded pool of goroutines.
//   - StrategyProcess runs the handler in a separate worker process and
//     relays its progress over a framed pipe protocol (see package wire).
//
// Whatever the strategy, every run produces zero or more IN_PROGRESS
// snapshots followed by exactly one SUCCEEDED or FAILED snapshot, and the
// progress of a run never goes down.
//
// # Quick Start
//
//	specs := []taskmanager.Spec{
//		taskmanager.NewTaskSpec("download", taskmanager.StrategyThread, Job{URL: u},
//			func(ctx context.Context, t taskmanager.Task[Job]) error {
//				// ...
//				return t.UpdateProgress(0.5)
//			}),
//	}
//	m, err := taskmanager.NewManager(specs)
//	if err != nil {
//		return err
//	}
//	stream, done, err := m.Start(ctx)
//	for {
//		ev, err := stream.Next(ctx)
//		if err == io.EOF {
//			break
//		}
//		fmt.Println(ev.Run, ev.Status.State, ev.Status.Progress)
//	}
//	return done.Wait(ctx)
//
// # Owner Context
//
// A UI that must only be touched from its own thread hands the stream to
// that thread with Stream.Dispatch. Any core.TaskRunner works as the owner,
// for example a SingleThreadTaskRunner or a TaskRunnerFunc wrapping a
// toolkit's "run on main thread" call. The completion signal resolves only
// after the owner has handled the last terminal event.
//
// # Worker Processes
//
// PROCESS runs re-execute a worker command (the current binary by default)
// with TASKMANAGER_WORKER=1. Such programs start with:
//
//	if taskmanager.IsWorkerProcess() {
//		if err := taskmanager.ServeWorkerProcess(ctx, specs); err != nil {
//			os.Exit(1)
//		}
//		os.Exit(0)
//	}
//
// The worker looks the handler up by spec name, so both sides must register
// the same specs. A worker that dies, hangs past the heartbeat timeout or
// sends an unreadable frame fails its run with ErrExecutorLost.
package taskmanager
