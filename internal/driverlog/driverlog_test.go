package driverlog

import "testing"

func TestRecordNewEntry(t *testing.T) {
	l := New(4, nil)
	l.Record(100, "resource", "cannot bind socket")

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("Entries() len = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ErrorType != "resource" || e.Message != "cannot bind socket" {
		t.Fatalf("entry = %+v, want type=resource message=%q", e, "cannot bind socket")
	}
	if e.Count != 1 || e.FirstSeenNs != 100 || e.LastSeenNs != 100 {
		t.Fatalf("entry = %+v, want count=1 first=100 last=100", e)
	}
}

func TestRecordDuplicateBumpsCountNotSlots(t *testing.T) {
	l := New(4, nil)
	l.Record(100, "resource", "cannot bind socket")
	l.Record(200, "resource", "cannot bind socket")
	l.Record(300, "resource", "cannot bind socket")

	if got := l.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (duplicates dedup into one slot)", got)
	}
	e := l.Entries()[0]
	if e.Count != 3 {
		t.Fatalf("Count = %d, want 3", e.Count)
	}
	if e.FirstSeenNs != 100 {
		t.Fatalf("FirstSeenNs = %d, want 100 (unchanged by later observations)", e.FirstSeenNs)
	}
	if e.LastSeenNs != 300 {
		t.Fatalf("LastSeenNs = %d, want 300 (most recent observation)", e.LastSeenNs)
	}
}

func TestDistinctErrorsTakeDistinctSlots(t *testing.T) {
	l := New(4, nil)
	l.Record(0, "resource", "cannot bind socket")
	l.Record(0, "wire", "bad header")
	l.Record(0, "resource", "cannot allocate log buffer")

	if got := l.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
}

func TestCapacityEvictsLeastRecentlySeen(t *testing.T) {
	l := New(2, nil)
	l.Record(0, "a", "first")
	l.Record(0, "b", "second")
	// Capacity is 2; a third distinct error must evict the least-recently
	// touched entry ("a", never touched again) rather than "b".
	l.Record(0, "c", "third")

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries() len = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ErrorType == "a" {
			t.Fatalf("entry %+v should have been evicted", e)
		}
	}
}

func TestTouchingAnEntryProtectsItFromEviction(t *testing.T) {
	l := New(2, nil)
	l.Record(0, "a", "first")
	l.Record(0, "b", "second")
	l.Record(1, "a", "first") // re-observe "a"; "b" is now the oldest
	l.Record(0, "c", "third") // must evict "b", not "a"

	entries := l.Entries()
	var sawA, sawB, sawC bool
	for _, e := range entries {
		switch e.ErrorType {
		case "a":
			sawA = true
		case "b":
			sawB = true
		case "c":
			sawC = true
		}
	}
	if !sawA || sawB || !sawC {
		t.Fatalf("entries = %+v, want a and c retained, b evicted", entries)
	}
}

func TestOnRecordHookFiresPerCall(t *testing.T) {
	var types []string
	l := New(4, func(errorType string) {
		types = append(types, errorType)
	})

	l.Record(0, "resource", "cannot bind socket")
	l.Record(0, "resource", "cannot bind socket")
	l.Record(0, "wire", "bad header")

	if len(types) != 3 {
		t.Fatalf("onRecord fired %d times, want 3 (once per Record call, dedup notwithstanding)", len(types))
	}
	if types[0] != "resource" || types[1] != "resource" || types[2] != "wire" {
		t.Fatalf("types = %v, want [resource resource wire]", types)
	}
}
