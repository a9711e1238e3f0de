// Package publicationimage implements the Publication Image of spec.md
// §4.3: the receiver-side state for one inbound (session, stream, source)
// tuple — a Log Buffer sized by the sender's SETUP frame, a high-water
// mark and a gap-free rebuild position, per-subscriber positions, Status
// Message emission, and gap-triggered NAK generation.
//
// Grounded on internal/networkpublication's lifecycle shape (same
// cache-line-grouped atomic fields, same publish-by-new-array subscriber
// handling) mirrored to the receive side, and internal/retransmit's
// DelayGenerator abstraction, reused here for gap-NAK delay instead of
// resend delay (spec.md §4.3: "unicast generator is zero-delay, multicast
// is randomized" — the identical policy the sender applies to NAKs it
// receives).
package publicationimage

import (
	"encoding/binary"
	"net"
	"sync/atomic"

	"github.com/aeronio/mediadriver/internal/counters"
	"github.com/aeronio/mediadriver/internal/logbuffer"
	"github.com/aeronio/mediadriver/internal/retransmit"
	"github.com/aeronio/mediadriver/internal/wire"
)

// State is one of the Publication Image lifecycle states (spec.md §4.3).
type State int32

const (
	StateActive State = iota
	StateLinger
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateLinger:
		return "LINGER"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Params configures a PublicationImage's framing, addressing and timeouts
// (spec.md §4.3, §6 "Timeouts").
type Params struct {
	SessionID      int32
	StreamID       int32
	InitialTermID  int32
	TermLength     int32
	MTULength      int32
	CorrelationID  int64
	RegistrationID int64

	// ReceiverID is carried in every Status Message this image sends, so a
	// multicast sender's flow-control strategy can key per-receiver state
	// on it (spec.md §6, internal/flowcontrol.StatusMessage.ReceiverID).
	ReceiverID int64
	// SourceIdentity is the sender's address string, surfaced to clients
	// via AvailableImageResponse (spec.md §4.4).
	SourceIdentity string
	ReceiverWindow int32

	ImageLivenessTimeoutNs       int64
	StatusMessageTimeoutNs       int64
	SendToStatusMessagePollRatio int32

	// RTTMeasurementTimeoutNs paces this image's own RTT Measurement
	// requests to its source (SPEC_FULL.md §5 "the Conductor tracks
	// round-trip time per image from RTT request/reply frames"); zero
	// disables RTT measurement entirely.
	RTTMeasurementTimeoutNs int64
}

// PublicationImage is one inbound stream's driver-side state (spec.md
// §4.3). Not safe for concurrent use: exactly one Receiver-agent goroutine
// calls InsertDataFrame, and exactly one Conductor goroutine calls
// OnTimeEvent, matching internal/retransmit.Handler's single-owner
// assumption.
type PublicationImage struct {
	params     Params
	lb         *logbuffer.LogBuffer
	conn       net.PacketConn
	sourceAddr net.Addr
	delay      retransmit.DelayGenerator
	onClose    func()

	hwmPosition     int64 // atomic
	rebuildPosition int64 // atomic
	subscribers     atomic.Pointer[[]counters.Position]

	refcount int32 // atomic
	state    int32 // atomic, State

	lastFrameNs              int64 // atomic
	lastStatusMessageNs      int64 // atomic
	framesSinceStatusMessage int32 // atomic

	lastRTTMeasurementNs int64 // atomic
	rttNs                int64 // atomic, -1 until the first reply arrives

	nakPending    bool
	nakTermID     int32
	nakTermOffset int32
	nakLength     int32
	nakFireAtNs   int64
}

// New builds a PublicationImage for a freshly observed inbound stream
// (spec.md §4.4 CreatePublicationImage, triggered by the Receiver agent on
// first SETUP or data arrival).
func New(params Params, lb *logbuffer.LogBuffer, conn net.PacketConn, sourceAddr net.Addr, delay retransmit.DelayGenerator, nowNs int64, onClose func()) *PublicationImage {
	img := &PublicationImage{
		params:     params,
		lb:         lb,
		conn:       conn,
		sourceAddr: sourceAddr,
		delay:      delay,
		refcount:   1,
		onClose:    onClose,
	}
	// Seed lastFrameNs/lastStatusMessageNs to the creation time: this image
	// exists because a SETUP or data frame just arrived, so the liveness
	// clock shouldn't start as if it were already stale.
	img.lastFrameNs = nowNs
	img.lastStatusMessageNs = nowNs
	img.lastRTTMeasurementNs = nowNs
	img.rttNs = -1
	empty := []counters.Position{}
	img.subscribers.Store(&empty)
	return img
}

// State returns the image's current lifecycle state.
func (img *PublicationImage) State() State {
	return State(atomic.LoadInt32(&img.state))
}

func (img *PublicationImage) transitionTo(s State) {
	atomic.StoreInt32(&img.state, int32(s))
}

// IncrementRefcount registers one more subscriber link against this image.
func (img *PublicationImage) IncrementRefcount() {
	atomic.AddInt32(&img.refcount, 1)
}

// DecrementRefcount removes one subscriber link, transitioning
// ACTIVE→LINGER when the last one leaves — with nobody left to consume,
// there is no reason to keep waiting on the liveness timeout.
func (img *PublicationImage) DecrementRefcount() {
	if atomic.AddInt32(&img.refcount, -1) <= 0 && img.State() == StateActive {
		img.transitionTo(StateLinger)
	}
}

// SetSubscriberPositions publishes a fresh set of subscriber position
// handles (spec.md §9 Open Question: publish by replacing the whole
// array, never mutate one in place).
func (img *PublicationImage) SetSubscriberPositions(positions []counters.Position) {
	cp := make([]counters.Position, len(positions))
	copy(cp, positions)
	img.subscribers.Store(&cp)
}

func (img *PublicationImage) partitionIndexForTerm(termID int32) int32 {
	diff := termID - img.params.InitialTermID
	return ((diff % logbuffer.PartitionCount) + logbuffer.PartitionCount) % logbuffer.PartitionCount
}

func (img *PublicationImage) positionToTerm(position int64) (termID, termOffset, partitionIndex int32) {
	termLength := int64(img.params.TermLength)
	termCount := position / termLength
	termID = img.params.InitialTermID + int32(termCount)
	termOffset = int32(position % termLength)
	partitionIndex = img.partitionIndexForTerm(termID)
	return
}

// InsertDataFrame copies one already-framed, MTU-bounded datagram received
// off the wire into its term partition at the position its own header
// names, then advances the high-water mark and rebuild position (spec.md
// §4.3 "hwm"/"rebuild" positions). raw must be exactly the aligned frame
// length the sender transmitted (spec.md §4.1's Scan never sends a partial
// frame).
func (img *PublicationImage) InsertDataFrame(raw []byte, nowNs int64) error {
	f, err := wire.ParseDataFrame(raw)
	if err != nil {
		return err
	}

	idx := img.partitionIndexForTerm(f.TermID)
	partition := img.lb.Partitions[idx]
	end := int(f.TermOffset) + len(raw)
	if end > len(partition) {
		end = len(partition)
	}
	copy(partition[f.TermOffset:end], raw[:end-int(f.TermOffset)])

	// hwm advances by the frame's aligned slot, not just the bytes actually
	// transmitted, to stay in the same units as rebuildPosition (which
	// Scan always steps by wire.Align(frame_length)).
	position := logbuffer.Position(f.TermID, img.params.InitialTermID, img.params.TermLength, f.TermOffset)
	newHigh := position + int64(wire.Align(f.FrameLength))
	for {
		cur := atomic.LoadInt64(&img.hwmPosition)
		if newHigh <= cur || atomic.CompareAndSwapInt64(&img.hwmPosition, cur, newHigh) {
			break
		}
	}

	atomic.StoreInt64(&img.lastFrameNs, nowNs)
	atomic.AddInt32(&img.framesSinceStatusMessage, 1)
	img.advanceRebuildPosition()
	img.updatePendingNAK(nowNs)
	return nil
}

// advanceRebuildPosition scans forward from the last known gap-free
// position as far as committed frames allow (spec.md §4.3 "rebuild
// position (gap-free contiguous received position)").
func (img *PublicationImage) advanceRebuildPosition() int64 {
	pos := atomic.LoadInt64(&img.rebuildPosition)
	for {
		_, offset, idx := img.positionToTerm(pos)
		partition := img.lb.Partitions[idx]
		remaining := img.params.TermLength - offset
		scan := logbuffer.Scan(partition, offset, remaining)
		if scan.Length == 0 {
			break
		}
		pos += int64(scan.Length)
		if !scan.HitPadding {
			break
		}
	}
	atomic.StoreInt64(&img.rebuildPosition, pos)
	return pos
}

// updatePendingNAK schedules a NAK for the current gap, if any (spec.md
// §4.3 "on gap detection, emits a NAK after a delay generator"). A second
// gap starting at the same rebuild position doesn't reschedule a fresh
// delay — only a newly opened gap does.
func (img *PublicationImage) updatePendingNAK(nowNs int64) {
	rebuild := atomic.LoadInt64(&img.rebuildPosition)
	hwm := atomic.LoadInt64(&img.hwmPosition)
	if hwm <= rebuild {
		img.nakPending = false
		return
	}

	termID, offset, idx := img.positionToTerm(rebuild)
	if img.nakPending && img.nakTermID == termID && img.nakTermOffset == offset {
		return // already scheduled for this gap
	}

	length := img.missingFrameLength(idx, offset, hwm-rebuild)

	img.nakPending = true
	img.nakTermID = termID
	img.nakTermOffset = offset
	img.nakLength = int32(length)
	img.nakFireAtNs = nowNs + img.delay.Delay(nowNs)
}

// missingFrameLength finds exactly how many bytes are missing at the front
// of a gap: it steps forward in FrameAlignment increments from offset,
// inside partition idx, until it finds a frame whose header is already
// committed (frame_length != 0) — that's where the next already-received
// frame starts, so the distance to it is the lost frame's reserved size.
// Bounded by capAt (the distance to hwm) in case nothing beyond the gap has
// arrived yet.
func (img *PublicationImage) missingFrameLength(idx, offset int32, capAt int64) int64 {
	partition := img.lb.Partitions[idx]
	termLen := img.params.TermLength
	scanOffset := offset
	for int64(scanOffset-offset) < capAt && scanOffset < termLen {
		frameLength := binary.LittleEndian.Uint32(partition[scanOffset : scanOffset+4])
		if frameLength != 0 {
			break
		}
		scanOffset += wire.FrameAlignment
	}
	found := int64(scanOffset - offset)
	if found > capAt {
		found = capAt
	}
	return found
}

func (img *PublicationImage) fireNAK() {
	var buf [wire.NAKHeaderLength]byte
	wire.PutNAKFrame(buf[:], wire.NAKFrame{
		Header:     wire.Header{FrameLength: wire.NAKHeaderLength, Version: wire.Version, Type: wire.FrameTypeNAK},
		SessionID:  img.params.SessionID,
		StreamID:   img.params.StreamID,
		TermID:     img.nakTermID,
		TermOffset: img.nakTermOffset,
		Length:     img.nakLength,
	})
	img.conn.WriteTo(buf[:], img.sourceAddr)
	img.nakPending = false
}

func (img *PublicationImage) shouldSendStatusMessage(nowNs int64) bool {
	if atomic.LoadInt32(&img.framesSinceStatusMessage) >= img.params.SendToStatusMessagePollRatio {
		return true
	}
	return nowNs-atomic.LoadInt64(&img.lastStatusMessageNs) >= img.params.StatusMessageTimeoutNs
}

func (img *PublicationImage) sendStatusMessage(nowNs int64) {
	rebuild := atomic.LoadInt64(&img.rebuildPosition)
	termID, offset, _ := img.positionToTerm(rebuild)

	// 36 == the fixed status message header length (wire.statusHeaderFixed,
	// unexported); no feedback tag is sent, so the frame is exactly that.
	var buf [36]byte
	wire.PutStatusMessageFrame(buf[:], wire.StatusMessageFrame{
		Header:                wire.Header{FrameLength: int32(len(buf)), Version: wire.Version, Type: wire.FrameTypeStatus},
		SessionID:             img.params.SessionID,
		StreamID:              img.params.StreamID,
		ConsumptionTermID:     termID,
		ConsumptionTermOffset: offset,
		ReceiverWindow:        img.params.ReceiverWindow,
		ReceiverID:            img.params.ReceiverID,
	})
	img.conn.WriteTo(buf[:], img.sourceAddr)

	atomic.StoreInt64(&img.lastStatusMessageNs, nowNs)
	atomic.StoreInt32(&img.framesSinceStatusMessage, 0)
}

// shouldSendRTTMeasurement reports whether it's time to issue another RTT
// Measurement request to this image's source (SPEC_FULL.md §5). Disabled
// entirely when RTTMeasurementTimeoutNs is zero.
func (img *PublicationImage) shouldSendRTTMeasurement(nowNs int64) bool {
	if img.params.RTTMeasurementTimeoutNs <= 0 {
		return false
	}
	return nowNs-atomic.LoadInt64(&img.lastRTTMeasurementNs) >= img.params.RTTMeasurementTimeoutNs
}

// sendRTTMeasurement issues a request-side RTT Measurement frame (spec.md
// §6) carrying nowNs as the echo timestamp the source is expected to
// return unchanged in its reply.
func (img *PublicationImage) sendRTTMeasurement(nowNs int64) {
	var buf [wire.RTTHeaderLength]byte
	wire.PutRTTMeasurementFrame(buf[:], wire.RTTMeasurementFrame{
		Header:        wire.Header{FrameLength: wire.RTTHeaderLength, Version: wire.Version, Type: wire.FrameTypeRTT},
		SessionID:     img.params.SessionID,
		StreamID:      img.params.StreamID,
		EchoTimestamp: nowNs,
		ReceiverID:    img.params.ReceiverID,
	})
	img.conn.WriteTo(buf[:], img.sourceAddr)
	atomic.StoreInt64(&img.lastRTTMeasurementNs, nowNs)
}

// RecordRTT stores the most recently measured round-trip time, computed by
// the Conductor from a matching reply frame's timestamps (spec.md §6,
// SPEC_FULL.md §5).
func (img *PublicationImage) RecordRTT(rttNs int64) {
	atomic.StoreInt64(&img.rttNs, rttNs)
}

// RTTNanos returns the most recently measured round-trip time, or -1 if no
// reply has arrived yet.
func (img *PublicationImage) RTTNanos() int64 {
	return atomic.LoadInt64(&img.rttNs)
}

// allSubscribersDrained reports whether every currently linked subscriber
// has consumed up to target.
func (img *PublicationImage) allSubscribersDrained(target int64) bool {
	subs := img.subscribers.Load()
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

// OnTimeEvent runs one Conductor-tick's worth of work against this image:
// the ACTIVE/LINGER/CLOSING lifecycle transitions, and — while still
// ACTIVE — the gap-NAK and Status Message checks (spec.md §4.4 "for every
// publication image, invoke its rebuild/status tracking").
func (img *PublicationImage) OnTimeEvent(nowNs int64) {
	switch img.State() {
	case StateActive:
		if nowNs-atomic.LoadInt64(&img.lastFrameNs) >= img.params.ImageLivenessTimeoutNs {
			img.transitionTo(StateLinger)
			return
		}
	case StateLinger:
		if img.allSubscribersDrained(atomic.LoadInt64(&img.rebuildPosition)) {
			img.transitionTo(StateClosing)
		}
		return
	case StateClosing:
		return
	}

	if img.nakPending && nowNs >= img.nakFireAtNs {
		img.fireNAK()
	}
	if img.shouldSendStatusMessage(nowNs) {
		img.sendStatusMessage(nowNs)
	}
	if img.shouldSendRTTMeasurement(nowNs) {
		img.sendRTTMeasurement(nowNs)
	}
}

// HasReachedEndOfLife reports whether this image is ready to be swept
// (spec.md §9 managed-resource capability).
func (img *PublicationImage) HasReachedEndOfLife() bool {
	return img.State() == StateClosing
}

// Delete releases this image's resources, invoking the onClose hook the
// Conductor supplied at construction (spec.md §8 scenario 4 "conductor
// issues UnavailableImage and removes the image; subscriber position
// counters are freed").
func (img *PublicationImage) Delete() {
	if img.onClose != nil {
		img.onClose()
	}
}

// RegistrationID returns this image's correlation/registration id.
func (img *PublicationImage) RegistrationID() int64 { return img.params.RegistrationID }

// SourceIdentity returns the sender's address string.
func (img *PublicationImage) SourceIdentity() string { return img.params.SourceIdentity }

// RebuildPosition returns the current gap-free contiguous received
// position.
func (img *PublicationImage) RebuildPosition() int64 { return atomic.LoadInt64(&img.rebuildPosition) }

// HwmPosition returns the current high-water mark.
func (img *PublicationImage) HwmPosition() int64 { return atomic.LoadInt64(&img.hwmPosition) }

// LogBuffer exposes the backing Log Buffer, for subscribers linking
// directly against shared memory (spec.md §3).
func (img *PublicationImage) LogBuffer() *logbuffer.LogBuffer { return img.lb }
