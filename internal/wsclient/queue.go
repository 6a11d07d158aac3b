package wsclient

import "sync/atomic"

// defaultQueueSize bounds the inbound frame queue when no size is given.
const defaultQueueSize = 1000

// Queue is a bounded FIFO for decoded inbound frames. When full, Push drops
// the oldest queued element to make room and increments the drop counter.
//
// Push must be called from a single producer goroutine (the read loop).
// The receive side may be consumed from any number of goroutines.
type Queue[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// NewQueue creates a queue holding at most size elements. A non-positive size
// falls back to the default of 1000.
func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Push enqueues v, evicting the oldest element when the queue is full.
func (q *Queue[T]) Push(v T) {
	select {
	case q.ch <- v:
		return
	default:
	}

	// Full: drop the head and retry. With a single producer the second send
	// cannot block.
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	select {
	case q.ch <- v:
	default:
		q.dropped.Add(1)
	}
}

// C returns the receive side of the queue.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Dropped returns how many elements were evicted due to overflow.
func (q *Queue[T]) Dropped() int64 { return q.dropped.Load() }

// Len returns the number of elements currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }
