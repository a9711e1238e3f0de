// Package retransmit implements the Retransmit Handler of spec.md §4.5:
// a small fixed-size set of in-flight resend actions, deduplicated against
// overlapping NAKs, scheduled with a transport-appropriate delay, and
// fired into the owning publication's resend callback.
//
// Grounded on internal/ringbuffer's fixed-capacity slot pattern, applied
// here to a small slice scanned linearly instead of a lock-free ring,
// since the Retransmit Handler's active-set is tiny (tens of entries) and
// is only ever touched from the single Sender duty cycle that owns it —
// no concurrent access to guard against.
package retransmit

import (
	"math/rand"
)

// maxActiveActions bounds the active set (spec.md §4.5 "small fixed-size
// set"), matching the order of magnitude of a typical Aeron deployment's
// concurrent-NAK-range count.
const maxActiveActions = 64

// lingerNs is how long a fired action is kept around purely to absorb
// duplicate NAKs for the same range before it's evicted (spec.md §4.5).
const lingerNs = 100_000_000 // 100ms

// DelayGenerator produces the delay before a queued NAK range is resent
// (spec.md §4.5: "unicast = 0; multicast = rand·D jittered").
type DelayGenerator interface {
	Delay(nowNs int64) int64
}

// UnicastDelay always resends immediately.
type UnicastDelay struct{}

func (UnicastDelay) Delay(int64) int64 { return 0 }

// MulticastDelay staggers resends by rand()*maxDelayNs to avoid every
// receiver's NAK synchronizing a retransmit storm.
type MulticastDelay struct {
	MaxDelayNs int64
}

func (d MulticastDelay) Delay(int64) int64 {
	if d.MaxDelayNs <= 0 {
		return 0
	}
	return rand.Int63n(d.MaxDelayNs)
}

type actionState uint8

const (
	statePending actionState = iota
	stateFired
)

type action struct {
	termID     int32
	termOffset int32
	length     int32
	fireAtNs   int64
	lingerToNs int64
	state      actionState
	inUse      bool
}

// covers reports whether this action's range fully covers (termID,
// offset, length) — the deduplication test of spec.md §4.5.
func (a action) covers(termID, offset, length int32) bool {
	if a.termID != termID {
		return false
	}
	return offset >= a.termOffset && offset+length <= a.termOffset+a.length
}

// ResendFunc scans and resends the given range out of the term buffers
// (spec.md §4.5: "invokes resend on the publication").
type ResendFunc func(termID, termOffset, length int32)

// Handler is the RetransmitHandler of spec.md §4.5.
type Handler struct {
	delay    DelayGenerator
	resend   ResendFunc
	actions  [maxActiveActions]action
	overflow int64 // count of NAKs dropped because the active set was full
}

// New builds a Handler using delay to schedule fires and resend to
// perform them.
func New(delay DelayGenerator, resend ResendFunc) *Handler {
	return &Handler{delay: delay, resend: resend}
}

// OnNAK processes an incoming NAK for (termID, termOffset, length)
// arriving at nowNs (spec.md §4.5). A range already covered by an active
// or lingering action is ignored; otherwise a new action is queued.
func (h *Handler) OnNAK(termID, termOffset, length int32, nowNs int64) {
	for i := range h.actions {
		a := &h.actions[i]
		if a.inUse && a.covers(termID, termOffset, length) {
			return // already in-flight or lingering against duplicates
		}
	}

	slot := h.freeSlot()
	if slot == nil {
		h.overflow++
		return
	}

	*slot = action{
		termID:     termID,
		termOffset: termOffset,
		length:     length,
		fireAtNs:   nowNs + h.delay.Delay(nowNs),
		state:      statePending,
		inUse:      true,
	}
}

func (h *Handler) freeSlot() *action {
	for i := range h.actions {
		if !h.actions[i].inUse {
			return &h.actions[i]
		}
	}
	return nil
}

// Poll fires any pending action whose delay has elapsed and evicts any
// lingering action past its linger window, invoked once per Sender duty
// cycle (spec.md §4.2 step 6).
func (h *Handler) Poll(nowNs int64) {
	for i := range h.actions {
		a := &h.actions[i]
		if !a.inUse {
			continue
		}
		switch a.state {
		case statePending:
			if nowNs >= a.fireAtNs {
				h.resend(a.termID, a.termOffset, a.length)
				a.state = stateFired
				a.lingerToNs = nowNs + lingerNs
			}
		case stateFired:
			if nowNs >= a.lingerToNs {
				*a = action{}
			}
		}
	}
}

// ActiveCount reports how many actions (pending or lingering) currently
// occupy the active set, for metrics and tests.
func (h *Handler) ActiveCount() int {
	n := 0
	for i := range h.actions {
		if h.actions[i].inUse {
			n++
		}
	}
	return n
}

// OverflowCount reports how many NAKs were dropped because the active
// set was full.
func (h *Handler) OverflowCount() int64 { return h.overflow }
