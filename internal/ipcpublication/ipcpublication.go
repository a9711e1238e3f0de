// Package ipcpublication implements the IPC Publication of spec.md §4
// item 6: "same [Network Publication] state machine without UDP I/O".
// Producer and subscriber are both local, so there is no Sender agent, no
// flow-control strategy, and no retransmit handler — a written frame is
// immediately visible to every local consumer through the shared Log
// Buffer, and back-pressure is enforced purely by publisher_limit tracking
// the slowest subscriber position.
//
// Grounded on internal/networkpublication's lifecycle (itself grounded on
// pkg/websocket/hub.go's single-owner event-loop-plus-maps shape and
// pkg/websocket/hub_optimized.go's cache-line-separated atomic fields),
// trimmed to the fields IPC semantics actually need: no sender limit, no
// channel endpoint, no isConnected — a local publication is always
// "connected" to whatever subscribers the Conductor has linked.
package ipcpublication

import (
	"sync/atomic"

	"github.com/aeronio/mediadriver/internal/counters"
	"github.com/aeronio/mediadriver/internal/logbuffer"
)

// State mirrors networkpublication.State; IPC publications pass through
// the identical ACTIVE/DRAINING/LINGER/CLOSING lifecycle (spec.md §4.2,
// applied to IPC per §4 item 6).
type State int32

const (
	StateActive State = iota
	StateDraining
	StateLinger
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateLinger:
		return "LINGER"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Params configures an IpcPublication's framing and timeouts (spec.md §3,
// §6 "Timeouts"; the unblock and linger timeouts carry over unchanged,
// setup/heartbeat timeouts don't apply since there is no wire traffic).
type Params struct {
	SessionID           int32
	StreamID            int32
	InitialTermID       int32
	TermLength          int32
	MTULength           int32
	CorrelationID       int64
	RegistrationID      int64
	Exclusive           bool
	PublicationLingerNs int64
	UnblockTimeoutNs    int64
}

// IpcPublication is one local stream's driver-side state: a Log Buffer, a
// producer-position counter, a publisher limit, and the subscriber
// positions the Conductor links against it (spec.md §3 entity table).
type IpcPublication struct {
	params       Params
	lb           *logbuffer.LogBuffer
	appenders    [logbuffer.PartitionCount]*logbuffer.Appender
	headerWriter *logbuffer.HeaderWriter
	onClose      func()

	publisherLimit counters.Position
	subscribers    atomic.Pointer[[]counters.Position] // spec.md §9 publish-by-new-array

	refcount      int32 // atomic
	state         int32 // atomic, State
	lingerStartNs int64 // atomic

	cleanPosition int64 // atomic

	// consumablePosition is the highest position up to which frames are
	// contiguously committed (Scan never reports HitUncommitted below it).
	// It plays the role networkpublication's sender_position plays: the
	// locally-observable boundary a stalled claim can't move past, as
	// distinct from the raw producer/reservation position which a claim
	// (even an uncommitted one) advances immediately.
	consumablePosition int64 // atomic

	lastUnblockPos      int64 // atomic
	lastUnblockChangeNs int64 // atomic
}

// New builds an IpcPublication for a freshly created or reused stream
// (spec.md §4.4 AddPublication with channel aeron:ipc). onClose is invoked
// once the publication reaches CLOSING and is swept.
func New(params Params, lb *logbuffer.LogBuffer, onClose func()) *IpcPublication {
	p := &IpcPublication{
		params:       params,
		lb:           lb,
		refcount:     1,
		headerWriter: logbuffer.NewHeaderWriter(lb.Meta.DefaultHeader()),
		onClose:      onClose,
	}
	for i := range p.appenders {
		p.appenders[i] = logbuffer.NewAppender(lb, int32(i))
	}
	empty := []counters.Position{}
	p.subscribers.Store(&empty)
	return p
}

// BindPublisherLimit attaches the publisher_limit counter the Conductor
// allocated for this publication.
func (p *IpcPublication) BindPublisherLimit(limit counters.Position) {
	p.publisherLimit = limit
}

// State returns the publication's current lifecycle state.
func (p *IpcPublication) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *IpcPublication) transitionTo(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// IncrementRefcount registers one more publication link against this
// stream (spec.md §4.4 "if non-exclusive and a matching active
// publication exists, reuse it").
func (p *IpcPublication) IncrementRefcount() {
	atomic.AddInt32(&p.refcount, 1)
}

// DecrementRefcount removes one publication link, transitioning
// ACTIVE→DRAINING when the last one leaves.
func (p *IpcPublication) DecrementRefcount() {
	if atomic.AddInt32(&p.refcount, -1) <= 0 && p.State() == StateActive {
		p.transitionTo(StateDraining)
	}
}

// SetSubscriberPositions publishes a fresh set of subscriber position
// handles (spec.md §9 Open Question: publish by replacing the whole
// array, never mutate one in place).
func (p *IpcPublication) SetSubscriberPositions(positions []counters.Position) {
	cp := make([]counters.Position, len(positions))
	copy(cp, positions)
	p.subscribers.Store(&cp)
}

func (p *IpcPublication) partitionIndexForTerm(termID int32) int32 {
	diff := termID - p.params.InitialTermID
	return ((diff % logbuffer.PartitionCount) + logbuffer.PartitionCount) % logbuffer.PartitionCount
}

func (p *IpcPublication) positionToTerm(position int64) (termID, termOffset, partitionIndex int32) {
	termLength := int64(p.params.TermLength)
	termCount := position / termLength
	termID = p.params.InitialTermID + int32(termCount)
	termOffset = int32(position % termLength)
	partitionIndex = p.partitionIndexForTerm(termID)
	return
}

// ProducerPosition reads the active partition's raw-tail counter and
// converts it to an absolute stream position: the position immediately
// reserved by the most recent claim/append, whether or not it has been
// committed yet.
func (p *IpcPublication) ProducerPosition() int64 {
	idx := p.lb.Meta.ActivePartitionIndex()
	raw := atomic.LoadInt64(p.lb.Meta.RawTail(idx))
	termID, offset := logbuffer.UnpackRawTail(raw)
	return logbuffer.Position(termID, p.params.InitialTermID, p.params.TermLength, offset)
}

// advanceConsumablePosition scans forward from the last known contiguously
// committed position as far as committed frames allow, and records the
// new high-water mark.
func (p *IpcPublication) advanceConsumablePosition() int64 {
	pos := atomic.LoadInt64(&p.consumablePosition)
	for {
		_, offset, idx := p.positionToTerm(pos)
		partition := p.lb.Partitions[idx]
		remaining := p.params.TermLength - offset
		scan := logbuffer.Scan(partition, offset, remaining)
		if scan.Length == 0 {
			break
		}
		pos += int64(scan.Length)
		if !scan.HitPadding {
			break
		}
	}
	atomic.StoreInt64(&p.consumablePosition, pos)
	return pos
}

// UpdatePublisherLimit runs the Conductor's per-publication duty-cycle
// step for an IPC stream (spec.md §4.2 "update_publisher_limit", §3
// "publisher_limit = min(consumer_positions) + term_window_length"). The
// baseline is consumablePosition rather than the raw producer position,
// matching how the network path bases this off sender_position rather
// than producer_position: a stalled, uncommitted claim must not let
// publisher_limit run ahead of what's actually reachable by a subscriber.
func (p *IpcPublication) UpdatePublisherLimit(termWindowLength int64) {
	minPos := p.advanceConsumablePosition()
	subs := p.subscribers.Load()
	if subs != nil {
		for _, sp := range *subs {
			if v := sp.Get(); v < minPos {
				minPos = v
			}
		}
	}

	proposed := minPos + termWindowLength
	if proposed > p.publisherLimit.Get() {
		p.publisherLimit.Set(proposed)
		p.zeroFillDirtyRegions(proposed)
	}
}

// zeroFillDirtyRegions mirrors networkpublication's: clears term bytes
// once the dirty window exceeds two terms, so a rotated-into term never
// exposes a stale nonzero frame_length from a previous lap.
func (p *IpcPublication) zeroFillDirtyRegions(limit int64) {
	termLen := int64(p.params.TermLength)
	for {
		clean := atomic.LoadInt64(&p.cleanPosition)
		if limit-clean <= 2*termLen {
			return
		}
		_, _, idx := p.positionToTerm(clean)
		partition := p.lb.Partitions[idx]
		for i := range partition {
			partition[i] = 0
		}
		atomic.AddInt64(&p.cleanPosition, termLen)
	}
}

// allSubscribersDrained reports whether every currently linked subscriber
// has consumed up to target.
func (p *IpcPublication) allSubscribersDrained(target int64) bool {
	subs := p.subscribers.Load()
	if subs == nil {
		return true
	}
	for _, sp := range *subs {
		if sp.Get() < target {
			return false
		}
	}
	return true
}

// CheckUnblock implements the unblock policy by comparing
// consumablePosition (what's actually committed and reachable) against the
// raw producer/reservation position: if they diverge because a claim was
// never committed, and that divergence has held for longer than the
// unblock timeout, the stalled frame is rewritten as padding so scanning
// can resume past it (spec.md §4.2 unblock policy, adapted to a
// publication with no Sender send loop to observe the stall from).
func (p *IpcPublication) CheckUnblock(nowNs int64) bool {
	consumable := p.advanceConsumablePosition()
	if consumable == p.ProducerPosition() {
		return false
	}

	if consumable != atomic.LoadInt64(&p.lastUnblockPos) {
		atomic.StoreInt64(&p.lastUnblockPos, consumable)
		atomic.StoreInt64(&p.lastUnblockChangeNs, nowNs)
		return false
	}
	if nowNs-atomic.LoadInt64(&p.lastUnblockChangeNs) < p.params.UnblockTimeoutNs {
		return false
	}

	_, offset, idx := p.positionToTerm(consumable)
	if p.appenders[idx].TryUnblock(offset) {
		atomic.StoreInt64(&p.lastUnblockChangeNs, nowNs)
		return true
	}
	return false
}

// UnblockedCount sums the unblock counters across every partition
// appender.
func (p *IpcPublication) UnblockedCount() int64 {
	var total int64
	for _, a := range p.appenders {
		total += a.UnblockedCount()
	}
	return total
}

// OnTimeEvent advances the lifecycle state machine once per Conductor
// timer tick (spec.md §4.2 DRAINING→LINGER→CLOSING, adapted: DRAINING ends
// once every local subscriber has drained up to consumablePosition, the
// IPC analogue of sender_position).
func (p *IpcPublication) OnTimeEvent(nowNs int64) {
	switch p.State() {
	case StateDraining:
		if p.allSubscribersDrained(p.advanceConsumablePosition()) {
			atomic.StoreInt64(&p.lingerStartNs, nowNs)
			p.transitionTo(StateLinger)
		}
	case StateLinger:
		if nowNs-atomic.LoadInt64(&p.lingerStartNs) >= p.params.PublicationLingerNs {
			p.transitionTo(StateClosing)
		}
	}
}

// HasReachedEndOfLife reports whether this publication is ready to be
// swept (spec.md §9 managed-resource capability).
func (p *IpcPublication) HasReachedEndOfLife() bool {
	return p.State() == StateClosing
}

// Delete releases this publication's resources, invoking the onClose hook
// the Conductor supplied at construction.
func (p *IpcPublication) Delete() {
	if p.onClose != nil {
		p.onClose()
	}
}

// RegistrationID returns this publication's registration id.
func (p *IpcPublication) RegistrationID() int64 { return p.params.RegistrationID }

// LogBuffer exposes the backing Log Buffer, for subscribers linking
// directly against shared memory (spec.md §3 "subscribers interact with
// Log Buffers directly via shared memory").
func (p *IpcPublication) LogBuffer() *logbuffer.LogBuffer { return p.lb }
