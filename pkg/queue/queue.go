// Package queue implements the bounded blocking queue: a fixed
// capacity FIFO of opaque values shared between the NIC reader/writer
// threads and the dispatcher, and between application threads and the
// dispatcher (FUNC events). It is grounded on fixq.c/fixq.h from the
// original implementation, re-expressed with a native Go channel,
// which already provides the same bounded-capacity blocking-handoff
// contract the original builds by hand from two counting semaphores
// and a mutex.
package queue

import (
	"time"

	"github.com/go-netstack/netstack/pkg/neterr"
)

// Queue is a FIFO of capacity N. It is safe for any number of
// concurrent senders and receivers.
type Queue[T any] struct {
	ch chan T
}

// New returns an empty queue with the given capacity.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Send enqueues msg. waitMs follows the stack-wide convention:
// negative fails immediately if the queue is full, zero blocks
// forever, positive blocks up to that many milliseconds.
func (q *Queue[T]) Send(msg T, waitMs int) error {
	switch {
	case waitMs < 0:
		select {
		case q.ch <- msg:
			return nil
		default:
			return neterr.ErrWouldBlock
		}
	case waitMs == 0:
		q.ch <- msg
		return nil
	default:
		t := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer t.Stop()
		select {
		case q.ch <- msg:
			return nil
		case <-t.C:
			return neterr.ErrTimeout
		}
	}
}

// Recv dequeues the oldest message. waitMs follows the same
// convention as Send.
func (q *Queue[T]) Recv(waitMs int) (T, error) {
	var zero T
	switch {
	case waitMs < 0:
		select {
		case m := <-q.ch:
			return m, nil
		default:
			return zero, neterr.ErrWouldBlock
		}
	case waitMs == 0:
		m := <-q.ch
		return m, nil
	default:
		t := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer t.Stop()
		select {
		case m := <-q.ch:
			return m, nil
		case <-t.C:
			return zero, neterr.ErrTimeout
		}
	}
}

// Len reports the number of messages currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap reports the queue's capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }
