// Package networkpublication implements the Network Publication state
// machine of spec.md §4.2: the ACTIVE/DRAINING/LINGER/CLOSING lifecycle,
// the Sender agent's per-duty-cycle send loop, status-message and NAK
// handling, the Conductor's update_publisher_limit step, and the
// unblock policy for a stalled producer.
//
// Grounded on pkg/websocket/hub.go's single-owner event-loop-plus-maps
// shape for per-connection state, and pkg/websocket/hub_optimized.go's
// atomic-counter/cache-line-separated-field idea, generalized from
// connection bookkeeping to the Sender/Conductor split of mutable fields
// spec.md §5 and §9 require (hot fields touched by one role never share
// a cache line with fields touched by another).
package networkpublication

import (
	"sync/atomic"

	"github.com/aeronio/mediadriver/internal/counters"
	"github.com/aeronio/mediadriver/internal/endpoint"
	"github.com/aeronio/mediadriver/internal/flowcontrol"
	"github.com/aeronio/mediadriver/internal/logbuffer"
	"github.com/aeronio/mediadriver/internal/retransmit"
	"github.com/aeronio/mediadriver/internal/wire"
)

// State is one of the Network Publication lifecycle states (spec.md
// §4.2).
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

// Params configures a NetworkPublication's timeouts and framing (spec.md
// §4.2, §6 "Timeouts").
type Params struct {
	SessionID                    int32
	StreamID                     int32
	InitialTermID                int32
	TermLength                   int32
	MTULength                    int32
	CorrelationID                int64
	RegistrationID               int64
	Exclusive                    bool
	PublicationLingerNs          int64
	PublicationSetupTimeoutNs    int64
	PublicationHeartbeatTimeoutNs int64
	PublicationUnblockTimeoutNs  int64
}

// NetworkPublication is one outbound stream's driver-side state (spec.md
// §4, §4.2).
type NetworkPublication struct {
	params   Params
	lb       *logbuffer.LogBuffer
	appenders [logbuffer.PartitionCount]*logbuffer.Appender
	headerWriter *logbuffer.HeaderWriter
	channelEndpoint *endpoint.SendChannelEndpoint
	flowControl  flowcontrol.Strategy
	retransmit   *retransmit.Handler
	onClose      func()

	senderPosition counters.Position
	publisherLimit counters.Position
	spyPositions   atomic.Pointer[[]counters.Position]

	// Sender-owned fields (read by Conductor for back-pressure / connection
	// checks, per spec.md §5's single-writer rule).
	_            [64]byte
	senderLimit  int64 // atomic
	isConnected  atomic.Bool
	lastSendNs   int64 // atomic
	lastSetupSentNs int64 // atomic
	shortSendCount  int64 // atomic
	_            [64]byte

	// Conductor-owned fields.
	cleanPosition int64 // atomic
	refcount      int32 // atomic
	state         int32 // atomic, State
	lingerStartNs int64 // atomic

	lastUnblockSenderPos   int64 // atomic
	lastUnblockChangeNs    int64 // atomic
}

// New builds a NetworkPublication for a freshly created or reused stream
// (spec.md §4.4 AddPublication). resend is invoked by the retransmit
// handler; onClose is invoked once the publication reaches CLOSING and
// is being swept, for the owner (the Conductor) to release the shared
// channel endpoint. The caller must call BindPositions before the
// publication is driven by the Sender/Conductor duty cycles.
func New(params Params, lb *logbuffer.LogBuffer, ep *endpoint.SendChannelEndpoint, fc flowcontrol.Strategy, delay retransmit.DelayGenerator, onClose func()) *NetworkPublication {
	p := &NetworkPublication{
		params:          params,
		lb:              lb,
		channelEndpoint: ep,
		flowControl:     fc,
		refcount:        1,
		headerWriter:    logbuffer.NewHeaderWriter(lb.Meta.DefaultHeader()),
		onClose:         onClose,
	}
	for i := range p.appenders {
		p.appenders[i] = logbuffer.NewAppender(lb, int32(i))
	}
	p.retransmit = retransmit.New(delay, p.resend)
	empty := []counters.Position{}
	p.spyPositions.Store(&empty)
	return p
}

// BindPositions attaches the counters the Conductor allocated for this
// publication (spec.md §3 "positions uniquely owned").
func (p *NetworkPublication) BindPositions(sender, limit counters.Position) {
	p.senderPosition = sender
	p.publisherLimit = limit
}

// State returns the publication's current lifecycle state.
func (p *NetworkPublication) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *NetworkPublication) transitionTo(s State) {
	atomic.StoreInt32(&p.state, int32(s))
}

// IncrementRefcount registers one more publication link against this
// stream (spec.md §4.4 "if non-exclusive and a matching active
// publication exists, reuse it").
func (p *NetworkPublication) IncrementRefcount() {
	atomic.AddInt32(&p.refcount, 1)
}

// DecrementRefcount removes one publication link, transitioning
// ACTIVE→DRAINING when the last one leaves (spec.md §4.2).
func (p *NetworkPublication) DecrementRefcount() {
	if atomic.AddInt32(&p.refcount, -1) <= 0 && p.State() == StateActive {
		p.transitionTo(StateDraining)
	}
}

// SetSpyPositions publishes a fresh set of spy-subscriber position
// handles (spec.md §9 Open Question: publish by replacing the whole
// array, never mutate an existing one in place, so the Sender's
// concurrent Load never observes a half-updated slice).
func (p *NetworkPublication) SetSpyPositions(positions []counters.Position) {
	cp := make([]counters.Position, len(positions))
	copy(cp, positions)
	p.spyPositions.Store(&cp)
}

// partitionIndexForTerm returns the partition a given term id rotates
// into, matching logbuffer's fixed ACTIVE→(ACTIVE+1)%3 rotation applied
// (termID - initialTermID) times.
func (p *NetworkPublication) partitionIndexForTerm(termID int32) int32 {
	diff := termID - p.params.InitialTermID
	return ((diff % logbuffer.PartitionCount) + logbuffer.PartitionCount) % logbuffer.PartitionCount
}

// positionToTerm splits an absolute stream position into (term_id,
// term_offset, partition_index).
func (p *NetworkPublication) positionToTerm(position int64) (termID, termOffset, partitionIndex int32) {
	termLength := int64(p.params.TermLength)
	termCount := position / termLength
	termID = p.params.InitialTermID + int32(termCount)
	termOffset = int32(position % termLength)
	partitionIndex = p.partitionIndexForTerm(termID)
	return
}

// ProducerPosition reads the active partition's raw-tail counter and
// converts it to an absolute stream position (spec.md §4.2 unblock
// policy's producer_position).
func (p *NetworkPublication) ProducerPosition() int64 {
	idx := p.lb.Meta.ActivePartitionIndex()
	raw := atomic.LoadInt64(p.lb.Meta.RawTail(idx))
	termID, offset := logbuffer.UnpackRawTail(raw)
	return logbuffer.Position(termID, p.params.InitialTermID, p.params.TermLength, offset)
}

// SendDutyCycle runs one Sender-agent tick against this publication
// (spec.md §4.2 "Send loop"). Returns the number of payload bytes sent.
func (p *NetworkPublication) SendDutyCycle(nowNs int64) int32 {
	senderPos := p.senderPosition.Get()
	termID, termOffset, partitionIdx := p.positionToTerm(senderPos)

	if p.shouldSendSetup(nowNs) {
		p.sendSetup(termID, termOffset, nowNs)
	}

	var sent int32
	senderLimit := atomic.LoadInt64(&p.senderLimit)
	availableWindow := senderLimit - senderPos
	if availableWindow > 0 {
		maxLen := availableWindow
		if int64(p.params.MTULength) < maxLen {
			maxLen = int64(p.params.MTULength)
		}
		scan := logbuffer.Scan(p.lb.Partitions[partitionIdx], termOffset, int32(maxLen))
		if scan.Length > 0 {
			buf := p.lb.Partitions[partitionIdx][termOffset : termOffset+scan.Length]
			n, err := p.channelEndpoint.Send(buf)
			if err != nil || n == 0 {
				atomic.AddInt64(&p.shortSendCount, 1)
			} else {
				p.senderPosition.Set(senderPos + int64(scan.Length))
				sent = scan.Length
				atomic.StoreInt64(&p.lastSendNs, nowNs)
			}
		}
	}

	if sent == 0 {
		if nowNs > atomic.LoadInt64(&p.lastSendNs)+p.params.PublicationHeartbeatTimeoutNs {
			p.sendHeartbeat(termID, termOffset, nowNs)
		}
		// spec.md §9 Open Question: on_idle is only invoked from this
		// zero-bytes-sent branch, never recomputed on every tick.
		newLimit := p.flowControl.OnIdle(nowNs, atomic.LoadInt64(&p.senderLimit))
		atomic.StoreInt64(&p.senderLimit, newLimit)
	}

	p.retransmit.Poll(nowNs)
	return sent
}

func (p *NetworkPublication) shouldSendSetup(nowNs int64) bool {
	if p.isConnected.Load() {
		return false
	}
	last := atomic.LoadInt64(&p.lastSetupSentNs)
	return nowNs-last >= p.params.PublicationSetupTimeoutNs
}

func (p *NetworkPublication) sendSetup(termID, termOffset int32, nowNs int64) {
	var buf [wire.SetupHeaderLength]byte
	wire.PutSetupFrame(buf[:], wire.SetupFrame{
		Header:        wire.Header{Version: wire.Version, Type: wire.FrameTypeSetup},
		SessionID:     p.params.SessionID,
		StreamID:      p.params.StreamID,
		InitialTermID: p.params.InitialTermID,
		ActiveTermID:  termID,
		TermOffset:    termOffset,
		TermLength:    p.params.TermLength,
		MTULength:     p.params.MTULength,
	})
	h := buf[:]
	wire.PutHeader(h, wire.Header{FrameLength: wire.SetupHeaderLength, Version: wire.Version, Type: wire.FrameTypeSetup})
	p.channelEndpoint.Send(h)
	atomic.StoreInt64(&p.lastSetupSentNs, nowNs)
}

func (p *NetworkPublication) sendHeartbeat(termID, termOffset int32, nowNs int64) {
	var buf [wire.DataHeaderLength]byte
	flags := uint8(0)
	if p.lb.Meta.EndOfStreamPosition() <= p.senderPosition.Get() {
		flags = wire.FlagEOS
	}
	wire.PutDataFrame(buf[:], wire.DataFrame{
		Header:        wire.Header{Version: wire.Version, Flags: flags, Type: wire.FrameTypeData},
		TermOffset:    termOffset,
		SessionID:     p.params.SessionID,
		StreamID:      p.params.StreamID,
		TermID:        termID,
	})
	wire.PutHeader(buf[:], wire.Header{FrameLength: wire.DataHeaderLength, Version: wire.Version, Flags: flags, Type: wire.FrameTypeData})
	p.channelEndpoint.Send(buf[:])
	atomic.StoreInt64(&p.lastSendNs, nowNs)
}

// OnStatusMessage folds a received Status Message into flow control and
// republishes the sender limit (spec.md §4.2 "Status message handling").
func (p *NetworkPublication) OnStatusMessage(msg flowcontrol.StatusMessage, src string, nowNs int64) {
	p.lb.Meta.UpdateTimeOfLastStatusMessage(nowNs)
	p.isConnected.Store(true)
	current := atomic.LoadInt64(&p.senderLimit)
	newLimit := p.flowControl.OnStatusMessage(msg, src, current, p.params.TermLength, nowNs)
	atomic.StoreInt64(&p.senderLimit, newLimit)
}

// OnNAK forwards a NAK to the retransmit handler (spec.md §4.2 "NAK
// handling").
func (p *NetworkPublication) OnNAK(termID, termOffset, length int32, nowNs int64) {
	p.retransmit.OnNAK(termID, termOffset, length, nowNs)
}

// resend scans and re-sends the requested range, bounded by MTU per
// datagram (spec.md §4.5).
func (p *NetworkPublication) resend(termID, termOffset, length int32) {
	idx := p.partitionIndexForTerm(termID)
	remaining := length
	offset := termOffset
	for remaining > 0 {
		chunk := remaining
		if chunk > p.params.MTULength {
			chunk = p.params.MTULength
		}
		if int(offset)+int(chunk) > len(p.lb.Partitions[idx]) {
			break
		}
		scan := logbuffer.Scan(p.lb.Partitions[idx], offset, chunk)
		if scan.Length == 0 {
			break
		}
		p.channelEndpoint.Send(p.lb.Partitions[idx][offset : offset+scan.Length])
		offset += scan.Length
		remaining -= scan.Length
	}
}

// UpdatePublisherLimit runs the Conductor's per-publication duty-cycle
// step (spec.md §4.2 "update_publisher_limit").
func (p *NetworkPublication) UpdatePublisherLimit(termWindowLength int64) {
	if !p.isConnected.Load() {
		p.publisherLimit.Set(p.senderPosition.Get())
		return
	}

	minPos := p.senderPosition.Get()
	spies := p.spyPositions.Load()
	if spies != nil {
		for _, sp := range *spies {
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

// zeroFillDirtyRegions opportunistically clears term buffer bytes ahead
// of clean_position once the dirty window exceeds two terms (spec.md
// §4.2), so a rotated-into term never exposes a stale nonzero
// frame_length left over from a previous lap.
func (p *NetworkPublication) zeroFillDirtyRegions(limit int64) {
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

// CheckUnblock implements spec.md §4.2's unblock policy: if
// sender_position has been stalled for publication_unblock_timeout_ns
// while the producer has moved ahead, rewrite the stalled frame as
// padding so the send loop can resume.
func (p *NetworkPublication) CheckUnblock(nowNs int64) bool {
	cur := p.senderPosition.Get()
	if cur != atomic.LoadInt64(&p.lastUnblockSenderPos) {
		atomic.StoreInt64(&p.lastUnblockSenderPos, cur)
		atomic.StoreInt64(&p.lastUnblockChangeNs, nowNs)
		return false
	}
	if nowNs-atomic.LoadInt64(&p.lastUnblockChangeNs) < p.params.PublicationUnblockTimeoutNs {
		return false
	}
	if p.ProducerPosition() <= cur {
		return false
	}

	_, offset, idx := p.positionToTerm(cur)
	if p.appenders[idx].TryUnblock(offset) {
		atomic.StoreInt64(&p.lastUnblockChangeNs, nowNs)
		return true
	}
	return false
}

// UnblockedCount sums the unblock counters across every partition
// appender (spec.md §8 scenario 5's UNBLOCKED_PUBLICATIONS counter).
func (p *NetworkPublication) UnblockedCount() int64 {
	var total int64
	for _, a := range p.appenders {
		total += a.UnblockedCount()
	}
	return total
}

// allSpiesDrained reports whether every currently tracked spy subscriber
// has consumed up to target.
func (p *NetworkPublication) allSpiesDrained(target int64) bool {
	spies := p.spyPositions.Load()
	if spies == nil {
		return true
	}
	for _, sp := range *spies {
		if sp.Get() < target {
			return false
		}
	}
	return true
}

// OnTimeEvent advances the lifecycle state machine once per Conductor
// timer tick (spec.md §4.2 DRAINING→LINGER→CLOSING, part of the
// managed-resource sweep's on_time_event capability).
func (p *NetworkPublication) OnTimeEvent(nowNs int64) {
	switch p.State() {
	case StateDraining:
		senderPos := p.senderPosition.Get()
		if senderPos == p.ProducerPosition() && p.allSpiesDrained(senderPos) {
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
func (p *NetworkPublication) HasReachedEndOfLife() bool {
	return p.State() == StateClosing
}

// Delete releases this publication's resources, invoking the onClose
// hook the Conductor supplied at construction (typically releasing the
// shared channel endpoint).
func (p *NetworkPublication) Delete() {
	if p.onClose != nil {
		p.onClose()
	}
}

// Endpoint returns the shared send channel endpoint, for destination
// management commands (spec.md §4.4 AddDestination/RemoveDestination).
func (p *NetworkPublication) Endpoint() *endpoint.SendChannelEndpoint { return p.channelEndpoint }

// RegistrationID returns this publication's registration id.
func (p *NetworkPublication) RegistrationID() int64 { return p.params.RegistrationID }

// ShortSendCount reports how many send attempts were rejected or
// partial, for metrics.
func (p *NetworkPublication) ShortSendCount() int64 { return atomic.LoadInt64(&p.shortSendCount) }

// RetransmitOverflowCount reports the cumulative number of NAKs dropped by
// this publication's retransmit handler because it had no free action slot
// (spec.md §4.5), for the Conductor to observe as a metrics delta.
func (p *NetworkPublication) RetransmitOverflowCount() int64 { return p.retransmit.OverflowCount() }

// IsConnected reports whether at least one status message has been
// observed from a live receiver.
func (p *NetworkPublication) IsConnected() bool { return p.isConnected.Load() }
