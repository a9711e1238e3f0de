package ringbuffer

import "testing"

func TestBroadcastDeliversOnlyMessagesAfterAttach(t *testing.T) {
	b := NewBroadcast[int](8)
	b.Transmit(1)

	cur := b.NewCursor()
	if _, ok := cur.Next(); ok {
		t.Fatal("a reader attaching after a message should not see it")
	}

	b.Transmit(2)
	v, ok := cur.Next()
	if !ok || v != 2 {
		t.Fatalf("Next() = %d, %v, want 2, true", v, ok)
	}
}

func TestBroadcastMultipleReadersIndependent(t *testing.T) {
	b := NewBroadcast[string](4)
	a := b.NewCursor()
	c := b.NewCursor()

	b.Transmit("one")
	b.Transmit("two")

	if v, ok := a.Next(); !ok || v != "one" {
		t.Fatalf("reader a first Next() = %q, %v", v, ok)
	}
	if v, ok := a.Next(); !ok || v != "two" {
		t.Fatalf("reader a second Next() = %q, %v", v, ok)
	}
	if v, ok := c.Next(); !ok || v != "one" {
		t.Fatalf("reader c should independently start from its own attach point, got %q, %v", v, ok)
	}
}

func TestBroadcastLappedReaderResyncs(t *testing.T) {
	b := NewBroadcast[int](4)
	cur := b.NewCursor()

	for i := 0; i < 10; i++ {
		b.Transmit(i)
	}

	v, ok := cur.Next()
	if !ok {
		t.Fatal("lapped reader should resync rather than see nothing")
	}
	if v < 6 {
		t.Fatalf("resynced reader should start near the tail of what's retained, got %d", v)
	}
	if b.LapsedCount() != 1 {
		t.Fatalf("LapsedCount() = %d, want 1", b.LapsedCount())
	}
}
