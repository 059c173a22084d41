// Package portal implements the hand-off boundary between execution domains
// and a single consumer.
//
// Any number of producers (pool workers, process readers, the cooperative
// loop) Send events; exactly one consumer receives them at times of its own
// choosing. Sends never block on the consumer and never drop: the funnel is an
// unbounded FIFO, so a slow consumer costs memory, not events.
package portal

import (
	"context"
	"errors"
	"sync"

	"github.com/Swind/go-task-manager/core"
)

// ErrClosed is returned by Send after Close, and by Next once the portal is
// closed and fully drained.
var ErrClosed = errors.New("portal: closed")

// Portal is a multi-producer, single-consumer event funnel.
type Portal[E any] struct {
	queue  *core.FIFOQueue[E]
	signal chan struct{}

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates an open portal.
func New[E any]() *Portal[E] {
	return &Portal[E]{
		queue:  core.NewFIFOQueue[E](),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send enqueues e for the consumer. Safe for concurrent use.
func (p *Portal[E]) Send(e E) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue.Push(e)
	p.mu.Unlock()

	p.notify()
	return nil
}

// Close stops accepting events. Events already sent remain receivable.
func (p *Portal[E]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Closed reports whether Close has been called.
func (p *Portal[E]) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Len returns the number of events waiting for the consumer.
func (p *Portal[E]) Len() int {
	return p.queue.Len()
}

// TryNext returns the oldest pending event without blocking.
func (p *Portal[E]) TryNext() (E, bool) {
	return p.queue.Pop()
}

// Next blocks until an event is available, the portal is closed and
// drained (ErrClosed), or ctx is done.
func (p *Portal[E]) Next(ctx context.Context) (E, error) {
	var zero E
	for {
		if e, ok := p.queue.Pop(); ok {
			return e, nil
		}
		select {
		case <-p.signal:
			continue
		case <-p.done:
			// Sends that raced with Close are already queued.
			if e, ok := p.queue.Pop(); ok {
				return e, nil
			}
			return zero, ErrClosed
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (p *Portal[E]) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
