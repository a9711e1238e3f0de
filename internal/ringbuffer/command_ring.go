package ringbuffer

import "sync/atomic"

// CommandRing wraps a many-to-one Queue with the control-file contract
// spec.md §6 assigns to the to-driver ring: a consumer_heartbeat_time
// trailer the Conductor refreshes every duty cycle, and an unblock
// primitive that skips a producer that claimed a slot and then stalled
// before writing into it (e.g. the client process died mid-call).
type CommandRing[T any] struct {
	*Queue[T]

	consumerHeartbeatNs int64 // atomic, nanoseconds, written by the Conductor
	unblockedCount      int64 // atomic, spec.md §8 scenario 5 counter
}

// NewCommandRing creates a many-to-one command ring of the given capacity.
func NewCommandRing[T any](size int) *CommandRing[T] {
	return &CommandRing[T]{Queue: NewQueue[T](size)}
}

// Heartbeat refreshes the consumer_heartbeat_time trailer. Called once per
// Conductor duty-cycle timer tick (spec.md §4.4 step 3).
func (r *CommandRing[T]) Heartbeat(nowNs int64) {
	atomic.StoreInt64(&r.consumerHeartbeatNs, nowNs)
}

// LastHeartbeat returns the last recorded consumer_heartbeat_time.
func (r *CommandRing[T]) LastHeartbeat() int64 {
	return atomic.LoadInt64(&r.consumerHeartbeatNs)
}

// IsBlocked reports whether a producer has claimed the slot at the
// consumer's tail without yet marking it ready — the "blocked to-driver
// ring" check of spec.md §4.4 step 3. It does not measure how long the
// slot has been pending; internal/conductor times that against
// clientLivenessTimeoutNs before calling Unblock.
func (r *CommandRing[T]) IsBlocked() bool {
	head := atomic.LoadUint64(&r.head)
	tail := atomic.LoadUint64(&r.tail)
	if tail >= head {
		return false
	}
	return !r.slots[tail&r.mask].ready.Load()
}

// Unblock forces the stalled tail slot to be treated as consumed, letting
// the ring drain past a producer that will never finish its write (spec.md
// §6, §8 scenario-adjacent to the term-appender unblock). It is a no-op,
// and does not double count, if the slot has since become ready or the
// ring has already advanced past it.
func (r *CommandRing[T]) Unblock() bool {
	tail := atomic.LoadUint64(&r.tail)
	head := atomic.LoadUint64(&r.head)
	if tail >= head {
		return false
	}
	s := &r.slots[tail&r.mask]
	if s.ready.Load() {
		return false
	}
	var zero T
	s.value = zero
	atomic.StoreUint64(&r.tail, tail+1)
	atomic.AddInt64(&r.unblockedCount, 1)
	return true
}

// UnblockedCount reports how many times Unblock has actually skipped a
// stalled slot, surfaced as the UNBLOCKED_PUBLICATIONS-style counter in
// internal/metrics (spec.md §8 scenario 5 — this one counts ring unblocks,
// the log-buffer unblock counter in internal/logbuffer counts frame-level
// unblocks separately).
func (r *CommandRing[T]) UnblockedCount() int64 {
	return atomic.LoadInt64(&r.unblockedCount)
}
