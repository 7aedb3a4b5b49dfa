// Package stagingqueue implements the bounded single-producer/single-consumer
// ring buffer that carries frames from the decode producer to the renderer.
package stagingqueue

import (
	"sync/atomic"

	"github.com/jmylchreest/retrovue-playoutd/internal/frame"
)

// Queue is a lock-free bounded SPSC ring of Frames. Exactly one goroutine
// may call Push/Clear; exactly one (possibly different) goroutine may call
// Pop/Peek. Size/Capacity/IsEmpty/IsFull may be called from either.
type Queue struct {
	buf  []frame.Frame
	cap  int
	head atomic.Uint64 // next slot to pop (consumer-owned)
	tail atomic.Uint64 // next slot to push (producer-owned)
}

// New constructs a Queue with the given capacity. Panics if capacity <= 0.
func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("stagingqueue: capacity must be positive")
	}
	return &Queue{
		buf: make([]frame.Frame, capacity),
		cap: capacity,
	}
}

// Capacity returns the queue's fixed capacity.
func (q *Queue) Capacity() int {
	return q.cap
}

// Size returns an approximate snapshot of the number of staged frames.
func (q *Queue) Size() int {
	tail := q.tail.Load()
	head := q.head.Load()
	return int(tail - head)
}

// IsEmpty reports whether the queue held zero frames at the instant sampled.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// IsFull reports whether the queue held Capacity() frames at the instant
// sampled.
func (q *Queue) IsFull() bool {
	return q.Size() >= q.cap
}

// Push appends f to the tail. Returns false without blocking if the queue is
// full — this is a normal backpressure signal, not an error. Producer-side
// only.
func (q *Queue) Push(f frame.Frame) bool {
	tail := q.tail.Load()
	head := q.head.Load()
	if int(tail-head) >= q.cap {
		return false
	}
	q.buf[tail%uint64(q.cap)] = f
	// Publish the index after the payload write so the consumer's read of
	// the new tail happens-after it observes the stored frame.
	q.tail.Store(tail + 1)
	return true
}

// Pop removes and returns the head frame. Returns false without blocking if
// the queue is empty — this is a normal condition, not an error. Consumer-
// side only.
func (q *Queue) Pop() (frame.Frame, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return frame.Frame{}, false
	}
	f := q.buf[head%uint64(q.cap)]
	q.head.Store(head + 1)
	return f, true
}

// Peek returns a non-destructive view of the head frame without removing
// it. Consumer-side only.
func (q *Queue) Peek() (frame.Frame, bool) {
	head := q.head.Load()
	tail := q.tail.Load()
	if head == tail {
		return frame.Frame{}, false
	}
	return q.buf[head%uint64(q.cap)], true
}

// Clear resets the queue to empty. Only legal when no concurrent producer
// or consumer access is possible (e.g. during a channel teardown after both
// threads have stopped).
func (q *Queue) Clear() {
	q.head.Store(0)
	q.tail.Store(0)
}
