package retransmit

import "testing"

func TestUnicastNAKFiresImmediatelyOnPoll(t *testing.T) {
	var fired []int32
	h := New(UnicastDelay{}, func(termID, offset, length int32) {
		fired = append(fired, offset)
	})

	h.OnNAK(1, 1024, 128, 0)
	h.Poll(0)

	if len(fired) != 1 || fired[0] != 1024 {
		t.Fatalf("fired = %v, want one resend at offset 1024", fired)
	}
	if h.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1 (lingering)", h.ActiveCount())
	}
}

func TestDuplicateOverlappingNAKIsIgnored(t *testing.T) {
	calls := 0
	h := New(UnicastDelay{}, func(int32, int32, int32) { calls++ })

	h.OnNAK(1, 1024, 512, 0)
	h.OnNAK(1, 1200, 100, 0) // fully covered by the first range
	h.Poll(0)

	if calls != 1 {
		t.Fatalf("resend called %d times, want 1 for a deduplicated range", calls)
	}
	if h.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", h.ActiveCount())
	}
}

func TestNonOverlappingNAKGetsItsOwnAction(t *testing.T) {
	calls := 0
	h := New(UnicastDelay{}, func(int32, int32, int32) { calls++ })

	h.OnNAK(1, 0, 128, 0)
	h.OnNAK(1, 512, 128, 0)
	h.Poll(0)

	if calls != 2 {
		t.Fatalf("resend called %d times, want 2 for disjoint ranges", calls)
	}
}

func TestLingeringActionEvictsAfterWindow(t *testing.T) {
	h := New(UnicastDelay{}, func(int32, int32, int32) {})

	h.OnNAK(1, 0, 128, 0)
	h.Poll(0) // fires, starts lingering

	if h.ActiveCount() != 1 {
		t.Fatal("expected the fired action to still occupy its slot during linger")
	}
	h.Poll(lingerNs + 1)
	if h.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0 after the linger window elapses", h.ActiveCount())
	}
}

func TestMulticastDelayStaysWithinBound(t *testing.T) {
	d := MulticastDelay{MaxDelayNs: 1_000_000}
	for i := 0; i < 100; i++ {
		if got := d.Delay(0); got < 0 || got >= 1_000_000 {
			t.Fatalf("Delay() = %d, want [0, 1000000)", got)
		}
	}
}

func TestMulticastDelayZeroBoundIsImmediate(t *testing.T) {
	d := MulticastDelay{MaxDelayNs: 0}
	if got := d.Delay(0); got != 0 {
		t.Fatalf("Delay() = %d, want 0", got)
	}
}

func TestActiveSetOverflowIsCounted(t *testing.T) {
	h := New(UnicastDelay{}, func(int32, int32, int32) {})

	for i := 0; i < maxActiveActions; i++ {
		h.OnNAK(1, int32(i*1024), 128, 0)
	}
	if h.OverflowCount() != 0 {
		t.Fatalf("OverflowCount() = %d, want 0 while under capacity", h.OverflowCount())
	}

	h.OnNAK(1, int32(maxActiveActions*1024), 128, 0)
	if h.OverflowCount() != 1 {
		t.Fatalf("OverflowCount() = %d, want 1 once the active set is full", h.OverflowCount())
	}
}
