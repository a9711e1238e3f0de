// Package ringbuffer implements the lock-free queues spec.md §5 requires
// between the Conductor, Sender and Receiver agents, plus the byte-oriented
// many-to-one command ring and broadcast transmitter of spec.md §6.
//
// All of it is a generalization of pkg/websocket/ring_buffer.go: an
// atomic claim of a slot index (compare-and-swap here, taken only when
// the queue has room), the same
// cache-line-padded head/tail fields, the same "enqueue failure increments
// a counter and the caller retries next cycle" contract (spec.md §5)
// instead of blocking.
package ringbuffer

import "sync/atomic"

// Queue is a fixed-capacity lock-free queue. Used both as the
// single-producer/single-consumer Conductor→Sender and Conductor→Receiver
// command queues, and as the multi-producer/single-consumer Sender→
// Conductor and Receiver→Conductor event queues (spec.md §5); the atomic
// compare-and-swap claim on push makes both uses safe with any number of
// producers.
type Queue[T any] struct {
	_    [64]byte
	head uint64 // next free slot to claim (producer side)
	_    [64]byte
	tail uint64 // next slot to consume
	_    [64]byte

	mask  uint64
	slots []slot[T]

	// enqueueFailures counts Push calls that found the queue full; the
	// caller is expected to retry on its next duty cycle rather than
	// block (spec.md §5).
	enqueueFailures int64
}

type slot[T any] struct {
	ready atomic.Bool
	value T
}

// NewQueue creates a queue whose capacity is the next power of two ≥ size.
func NewQueue[T any](size int) *Queue[T] {
	capacity := 1
	for capacity < size {
		capacity <<= 1
	}
	return &Queue[T]{
		mask:  uint64(capacity - 1),
		slots: make([]slot[T], capacity),
	}
}

// Push attempts to enqueue v, returning false (and incrementing the
// enqueue-failure counter) if the queue is full. A failed Push claims no
// slot, so the queue is unchanged and a later retry can succeed.
func (q *Queue[T]) Push(v T) bool {
	for {
		tail := atomic.LoadUint64(&q.tail)
		head := atomic.LoadUint64(&q.head)
		if head-tail > q.mask {
			atomic.AddInt64(&q.enqueueFailures, 1)
			return false
		}
		if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
			s := &q.slots[head&q.mask]
			s.value = v
			s.ready.Store(true)
			return true
		}
	}
}

// Pop removes and returns the oldest queued value. ok is false if the
// queue is empty or the next slot hasn't finished being written by its
// producer yet (a producer that has claimed a slot but not yet stored into
// it — mirrors the teacher's "slot not ready yet" spin case, except the
// single consumer here just reports not-ready rather than spinning, so the
// caller's duty cycle can move on to other work).
func (q *Queue[T]) Pop() (v T, ok bool) {
	tail := atomic.LoadUint64(&q.tail)
	head := atomic.LoadUint64(&q.head)
	if tail >= head {
		return v, false
	}

	s := &q.slots[tail&q.mask]
	if !s.ready.Load() {
		return v, false
	}

	v = s.value
	var zero T
	s.value = zero
	s.ready.Store(false)
	atomic.StoreUint64(&q.tail, tail+1)
	return v, true
}

// Drain pops up to limit values, invoking fn for each, and returns the
// count consumed. Used by the Conductor's per-cycle command/event drains
// (spec.md §4.4).
func (q *Queue[T]) Drain(limit int, fn func(T)) int {
	n := 0
	for n < limit {
		v, ok := q.Pop()
		if !ok {
			break
		}
		fn(v)
		n++
	}
	return n
}

// Len reports the number of queued-but-not-yet-consumed entries.
func (q *Queue[T]) Len() int {
	head := atomic.LoadUint64(&q.head)
	tail := atomic.LoadUint64(&q.tail)
	if head < tail {
		return 0
	}
	return int(head - tail)
}

// EnqueueFailures reports how many Push calls have failed due to a full
// queue, exposed as a Prometheus counter by internal/metrics.
func (q *Queue[T]) EnqueueFailures() int64 {
	return atomic.LoadInt64(&q.enqueueFailures)
}
