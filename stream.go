package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Swind/go-task-manager/core"
	"github.com/Swind/go-task-manager/portal"
)

// Stream is the consumer side of a started batch: a single-subscription,
// forward-only sequence of events that ends once every run has delivered its
// terminal event.
//
// A Stream has exactly one consumer. Pull events with Next, Poll or Drain
// from the consumer's own goroutine, or hand the stream to an owner context
// once with Dispatch.
type Stream struct {
	portal     *portal.Portal[Event]
	completion *Completion

	mu      sync.Mutex
	bound   bool
	pending int
	results []Event
}

func newStream(p *portal.Portal[Event], runs int) (*Stream, *Completion) {
	c := &Completion{done: make(chan struct{})}
	s := &Stream{
		portal:     p,
		completion: c,
		pending:    runs,
		results:    make([]Event, runs),
	}
	if runs == 0 {
		c.resolve(nil)
	}
	return s, c
}

// Next blocks until the next event is available. It returns io.EOF once
// every run has delivered its terminal event, and ctx.Err() if ctx ends
// first.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	if s.isBound() {
		return Event{}, ErrStreamBound
	}
	ev, err := s.portal.Next(ctx)
	if errors.Is(err, portal.ErrClosed) {
		return Event{}, io.EOF
	}
	if err != nil {
		return Event{}, err
	}
	s.delivered(ev)
	return ev, nil
}

// Poll returns the next event if one is pending, without blocking.
func (s *Stream) Poll() (Event, bool) {
	if s.isBound() {
		return Event{}, false
	}
	ev, ok := s.portal.TryNext()
	if ok {
		s.delivered(ev)
	}
	return ev, ok
}

// Drain calls fn for every event pending right now and returns how many it
// handled. It is meant to be called from the consumer's event-loop tick.
func (s *Stream) Drain(fn func(Event)) int {
	n := 0
	for {
		ev, ok := s.Poll()
		if !ok {
			return n
		}
		fn(ev)
		n++
	}
}

// Pending returns the number of events waiting for the consumer.
func (s *Stream) Pending() int {
	return s.portal.Len()
}

// Finished reports whether the stream has ended and been fully consumed.
func (s *Stream) Finished() bool {
	return s.portal.Closed() && s.portal.Len() == 0
}

// Dispatch delivers every event by posting fn to owner, in stream order. fn
// only ever runs inside owner's execution context. The completion signal
// resolves after fn has returned for the last terminal event.
//
// owner must keep accepting tasks until the stream ends; events posted to
// a closed owner are never acknowledged and the completion never resolves.
func (s *Stream) Dispatch(owner core.TaskRunner, fn func(Event)) error {
	if owner == nil {
		return fmt.Errorf("taskmanager: nil owner")
	}
	s.mu.Lock()
	if s.bound {
		s.mu.Unlock()
		return ErrStreamBound
	}
	s.bound = true
	s.mu.Unlock()

	go func() {
		for {
			ev, err := s.portal.Next(context.Background())
			if err != nil {
				return
			}
			owner.PostTask(func(context.Context) {
				fn(ev)
				s.delivered(ev)
			})
		}
	}()
	return nil
}

func (s *Stream) isBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// delivered records that ev reached the consumer.
func (s *Stream) delivered(ev Event) {
	if !ev.Terminal() {
		return
	}
	s.mu.Lock()
	if ev.Run.Index >= 0 && ev.Run.Index < len(s.results) {
		s.results[ev.Run.Index] = ev
	}
	s.pending--
	done := s.pending == 0
	s.mu.Unlock()

	if done {
		s.completion.resolve(s.results)
	}
}

// Completion resolves exactly once, after the consumer has received the
// terminal event of every run.
type Completion struct {
	done    chan struct{}
	once    sync.Once
	results []Event
	err     error
}

func (c *Completion) resolve(results []Event) {
	c.once.Do(func() {
		c.results = results
		var errs []error
		for _, ev := range results {
			if ev.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", ev.Run, ev.Err))
			}
		}
		c.err = errors.Join(errs...)
		close(c.done)
	})
}

// Done is closed when the batch has completed.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Resolved reports whether the batch has completed.
func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the batch completes or ctx ends. On completion it
// returns Err.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err joins the causes of all failed runs, or returns nil when every run
// succeeded or the batch has not completed yet.
func (c *Completion) Err() error {
	if !c.Resolved() {
		return nil
	}
	return c.err
}

// Results returns the terminal event of every run in construction order, or
// nil before completion.
func (c *Completion) Results() []Event {
	if !c.Resolved() {
		return nil
	}
	return append([]Event(nil), c.results...)
}
