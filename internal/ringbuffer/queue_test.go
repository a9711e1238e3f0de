package ringbuffer

import (
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"
)

func TestQueuePushPopOrder(t *testing.T) {
	q := NewQueue[int](8)
	for i := 0; i < 5; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) failed unexpectedly", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() #%d: not ok", i)
		}
		if v != i {
			t.Fatalf("Pop() #%d = %d, want %d", i, v, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue returned ok")
	}
}

func TestQueueFullReportsFailureAndDoesNotBlock(t *testing.T) {
	q := NewQueue[int](4) // rounds up internally but capacity is fixed
	for i := 0; i < 4; i++ {
		if !q.Push(i) {
			t.Fatalf("Push(%d) should have succeeded", i)
		}
	}
	if q.Push(99) {
		t.Fatal("Push on full queue should fail, not block")
	}
	if q.EnqueueFailures() != 1 {
		t.Fatalf("EnqueueFailures() = %d, want 1", q.EnqueueFailures())
	}

	if _, ok := q.Pop(); !ok {
		t.Fatal("Pop() should succeed after making room")
	}
	if !q.Push(99) {
		t.Fatal("Push should succeed once a slot has been freed")
	}
}

func TestQueueRoundsCapacityUpToPowerOfTwo(t *testing.T) {
	q := NewQueue[int](5)
	for i := 0; i < 8; i++ {
		if !q.Push(i) {
			t.Fatalf("expected capacity rounded up to 8, Push(%d) failed", i)
		}
	}
	if q.Push(8) {
		t.Fatal("9th push should fail against an 8-slot queue")
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue[int](16)
	for i := 0; i < 10; i++ {
		q.Push(i)
	}
	var got []int
	n := q.Drain(5, func(v int) { got = append(got, v) })
	if n != 5 || len(got) != 5 {
		t.Fatalf("Drain(5) consumed %d, want 5", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Drain order mismatch at %d: got %d", i, v)
		}
	}
	if q.Len() != 5 {
		t.Fatalf("Len() after partial drain = %d, want 5", q.Len())
	}
}

// TestQueueConcurrentProducersDisjointSlots mirrors the term appender's
// invariant (spec.md §8 invariant 4): concurrent producers claiming slots
// atomically never hand out the same slot twice.
func TestQueueConcurrentProducersDisjointSlots(t *testing.T) {
	const capacity = 1 << 14
	q := NewQueue[int](capacity)

	const producers = 32
	perProducer := capacity / producers
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Push(base*perProducer + i) {
					// capacity sized to fit exactly; should not happen
				}
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[int]bool, capacity)
	for i := 0; i < producers*perProducer; i++ {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop() #%d: queue drained early", i)
		}
		if seen[v] {
			t.Fatalf("value %d popped twice", v)
		}
		seen[v] = true
	}
}

func TestQueuePropertyLenNeverExceedsCapacity(t *testing.T) {
	f := func(pushes uint16, capacityOffset uint8) bool {
		capacity := int(capacityOffset) + 1
		q := NewQueue[int](capacity)
		for i := 0; i < int(pushes); i++ {
			q.Push(i)
		}
		return q.Len() <= cap(q.slots)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}

func TestCommandRingUnblockSkipsStalledProducer(t *testing.T) {
	r := NewCommandRing[string](8)

	// Simulate a producer that claimed a slot (advanced head) but died
	// before calling Push's ready-store — model directly via the
	// embedded Queue's head counter since Push always completes the
	// store in this implementation; Unblock must be a no-op when there
	// is nothing stalled.
	if r.Unblock() {
		t.Fatal("Unblock on an empty, non-blocked ring should be a no-op")
	}
	if r.IsBlocked() {
		t.Fatal("empty ring should not report blocked")
	}

	r.Push("hello")
	if r.IsBlocked() {
		t.Fatal("a fully-written slot should not report blocked")
	}
	v, ok := r.Pop()
	if !ok || v != "hello" {
		t.Fatalf("Pop() = %q, %v", v, ok)
	}

	// Force a stalled slot directly to exercise Unblock's skip path,
	// standing in for a producer that claimed head but crashed before
	// marking the slot ready.
	atomic.AddUint64(&r.Queue.head, 1)
	if !r.IsBlocked() {
		t.Fatal("ring with a claimed-but-unwritten slot should report blocked")
	}
	if !r.Unblock() {
		t.Fatal("Unblock should skip the stalled slot")
	}
	if r.UnblockedCount() != 1 {
		t.Fatalf("UnblockedCount() = %d, want 1", r.UnblockedCount())
	}
	if r.Unblock() {
		t.Fatal("Unblock applied twice to the same stalled position should be a no-op")
	}
}
