package metrics

import (
	"sync"
	"testing"
	"time"
)

// sharedMetrics is initialized at most once across this package's test
// binary: promauto registers every series against the default Prometheus
// registry, and constructing a second Metrics would panic on a duplicate
// registration. Every test that needs a live *Metrics shares this instance.
var sharedMetrics = sync.OnceValue(NewMetrics)

func TestClientTrackerTouchCreatesAndRefreshes(t *testing.T) {
	ct := NewClientTracker()
	ct.Touch(7)
	ct.Touch(7)

	if got := ct.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1 (second Touch refreshes, not duplicates)", got)
	}

	snap := ct.Snapshot()
	if snap["active"].(int) != 1 {
		t.Fatalf("Snapshot()[active] = %v, want 1", snap["active"])
	}
	if snap["total"].(uint64) != 1 {
		t.Fatalf("Snapshot()[total] = %v, want 1", snap["total"])
	}
}

func TestClientTrackerRemoveDropsClient(t *testing.T) {
	ct := NewClientTracker()
	ct.Touch(1)
	ct.Touch(2)
	ct.Remove(1)

	if got := ct.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1 after removing one of two clients", got)
	}
}

func TestClientTrackerTracksPeak(t *testing.T) {
	ct := NewClientTracker()
	ct.Touch(1)
	ct.Touch(2)
	ct.Touch(3)
	ct.Remove(1)
	ct.Remove(2)

	snap := ct.Snapshot()
	if snap["peak"].(int) != 3 {
		t.Fatalf("Snapshot()[peak] = %v, want 3 (peak survives later removals)", snap["peak"])
	}
	if snap["active"].(int) != 1 {
		t.Fatalf("Snapshot()[active] = %v, want 1", snap["active"])
	}
}

func TestClientTrackerSetOwnedCountsOnUnknownClientIsNoop(t *testing.T) {
	ct := NewClientTracker()
	// No Touch call for client 99; SetOwnedCounts must not create an entry.
	ct.SetOwnedCounts(99, 3, 2)

	if got := ct.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0 (SetOwnedCounts must not create untouched clients)", got)
	}
}

func TestFrameRateTrackerComputesRate(t *testing.T) {
	tr := &FrameRateTracker{lastTime: time.Now().Add(-1 * time.Second)}
	tr.Update(100)

	rate := tr.Rate()
	if rate <= 0 {
		t.Fatalf("Rate() = %v, want > 0 after a 100-count delta over ~1s", rate)
	}
}

func TestUptimeAdvancesAndRecordErrorAcceptsAnyLabel(t *testing.T) {
	m := sharedMetrics()
	before := m.GetUptime()
	time.Sleep(time.Millisecond)
	after := m.GetUptime()

	if after <= before {
		t.Fatalf("GetUptime() did not advance: before=%v after=%v", before, after)
	}

	// RecordError must not panic and must accept arbitrary error-type labels.
	m.RecordError("resource")
	m.RecordError("wire")
}

func TestCollectorSnapshotIncludesClients(t *testing.T) {
	c := NewCollector(sharedMetrics(), time.Hour)
	c.Clients().Touch(42)

	snap := c.Snapshot()
	clients, ok := snap["clients"].(map[string]interface{})
	if !ok {
		t.Fatalf("Snapshot()[clients] = %#v, want a map", snap["clients"])
	}
	if clients["active"].(int) != 1 {
		t.Fatalf("Snapshot()[clients][active] = %v, want 1", clients["active"])
	}
}
