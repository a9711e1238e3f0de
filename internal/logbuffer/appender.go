package logbuffer

import (
	"sync/atomic"

	"github.com/aeronio/mediadriver/internal/wire"
)

// Append result sentinels (spec.md §4.1). Non-negative results pack
// (term_id, resulting_offset).
const (
	Tripped int64 = -1
	Failed  int64 = -2
)

// HeaderWriter holds the default-header template for one stream and
// patches the term id per call, matching the shared HeaderWriter of
// spec.md §4.1.
type HeaderWriter struct {
	template [wire.DataHeaderLength]byte
}

// NewHeaderWriter captures a copy of the Log Buffer's default header.
func NewHeaderWriter(template [wire.DataHeaderLength]byte) *HeaderWriter {
	return &HeaderWriter{template: template}
}

// Write patches the term id into a copy of the template and copies it into
// buf[0:DataHeaderLength].
func (h *HeaderWriter) Write(buf []byte, termID int32) {
	copy(buf, h.template[:])
	// bytes 20:24 hold TermID in the little-endian DataFrame layout.
	buf[20] = byte(termID)
	buf[21] = byte(termID >> 8)
	buf[22] = byte(termID >> 16)
	buf[23] = byte(termID >> 24)
}

// Appender wraps one term partition and its raw-tail counter (spec.md
// §4.1).
type Appender struct {
	lb             *LogBuffer
	partitionIndex int32
	unblockedCount int64 // atomic
}

// NewAppender returns an Appender over the given partition of lb.
func NewAppender(lb *LogBuffer, partitionIndex int32) *Appender {
	return &Appender{lb: lb, partitionIndex: partitionIndex}
}

// HeaderValueSupplier optionally overrides per-frame header fields (e.g.
// reserved value) before a claim/append is committed.
type HeaderValueSupplier func(buf []byte, termOffset int32, length int32)

// Claim reserves length bytes for a zero-copy write, returning the raw
// buffer slice the caller must fill in before the frame becomes visible,
// and the packed (term_id, offset) result. The caller must call Commit on
// the returned Claim once payload is written.
type Claim struct {
	appender   *Appender
	buf        []byte // header + payload region, header not yet release-stored
	headerAt   int32
	frameLen   int32
}

// Claim reserves length bytes of payload space (spec.md §4.1 claim(length)).
func (a *Appender) Claim(hw *HeaderWriter, length int32) (Claim, int64) {
	frameLength := length + wire.DataHeaderLength
	aligned := wire.Align(frameLength)
	result, termID, termOffset := a.reserve(aligned)
	if result != 0 {
		return Claim{}, result
	}

	partition := a.lb.Partitions[a.partitionIndex]
	headerAt := termOffset
	// hw.Write copies the full header template, whose baked-in frame_length
	// is still zero, so no consumer can see this frame until Commit
	// performs the release-store (spec.md §4.1).
	hw.Write(partition[headerAt:], termID)

	return Claim{
		appender: a,
		buf:      partition[headerAt+wire.DataHeaderLength : headerAt+frameLength],
		headerAt: headerAt,
		frameLen: frameLength,
	}, packRawTail(termID, termOffset)
}

// Buffer returns the payload region to write into before Commit.
func (c Claim) Buffer() []byte { return c.buf }

// Commit release-stores the frame length, making the frame visible to
// consumers (spec.md §4.1).
func (c Claim) Commit() {
	partition := c.appender.lb.Partitions[c.appender.partitionIndex]
	atomic.StoreInt32((*int32)(unsafeAt(partition, c.headerAt)), c.frameLen)
}

// Append writes a complete frame from source in one call (spec.md §4.1
// append(source, length, header-value-supplier)).
func (a *Appender) Append(hw *HeaderWriter, source []byte, hvs HeaderValueSupplier) int64 {
	length := int32(len(source))
	frameLength := length + wire.DataHeaderLength
	aligned := wire.Align(frameLength)

	result, termID, termOffset := a.reserve(aligned)
	if result != 0 {
		return result
	}

	partition := a.lb.Partitions[a.partitionIndex]
	hw.Write(partition[termOffset:], termID)
	copy(partition[termOffset+wire.DataHeaderLength:termOffset+frameLength], source)
	if hvs != nil {
		hvs(partition, termOffset, frameLength)
	}
	atomic.StoreInt32((*int32)(unsafeAt(partition, termOffset)), frameLength)

	return packRawTail(termID, termOffset+aligned)
}

// reserve performs the atomic fetch-and-add of aligned onto the
// partition's raw-tail counter and handles the end-of-log cases (spec.md
// §4.1). result is 0 on success (termID/termOffset valid), Tripped, or
// Failed.
func (a *Appender) reserve(aligned int32) (result int64, termID, termOffset int32) {
	rawTailPtr := a.lb.Meta.RawTail(a.partitionIndex)
	termLength := a.lb.Meta.TermLength

	prior := atomic.AddInt64(rawTailPtr, int64(aligned)) - int64(aligned)
	priorTermID, priorOffset := UnpackRawTail(prior)

	resultingOffset := priorOffset + aligned
	if resultingOffset <= termLength {
		return 0, priorTermID, priorOffset
	}

	if priorOffset < termLength {
		a.writePaddingFrame(priorTermID, priorOffset, termLength-priorOffset)
		return Tripped, priorTermID, priorOffset
	}

	return Failed, priorTermID, priorOffset
}

// writePaddingFrame fills the remainder of a term with a single committed
// PADDING frame so the send loop's scanner has something deterministic to
// stop on (spec.md §4.1).
func (a *Appender) writePaddingFrame(termID, offset, length int32) {
	partition := a.lb.Partitions[a.partitionIndex]
	wire.PutHeader(partition[offset:], wire.Header{FrameLength: 0, Version: wire.Version, Type: wire.FrameTypePad})
	atomic.StoreInt32((*int32)(unsafeAt(partition, offset)), length)
}

// TryUnblock rewrites a stalled, claimed-but-never-committed frame header
// (frame_length still 0 though producer_position has moved past it) as a
// committed padding frame, letting the send loop advance past a crashed
// producer (spec.md §4.2 unblock policy, §8 scenario 5). Idempotent: a
// second call against an already-unblocked position is a no-op.
func (a *Appender) TryUnblock(termOffset int32) bool {
	partition := a.lb.Partitions[a.partitionIndex]
	h, err := wire.ParseHeader(partition[termOffset:])
	if err != nil || h.FrameLength != 0 {
		return false
	}

	producerRaw := atomic.LoadInt64(a.lb.Meta.RawTail(a.partitionIndex))
	_, producerOffset := UnpackRawTail(producerRaw)
	if producerOffset <= termOffset {
		return false // nothing committed ahead; not actually stalled
	}

	// Frame length of the stalled frame is unknown since the producer
	// never wrote it; reclaim exactly up to where the next producer
	// started (the next aligned offset holding a nonzero frame_length),
	// or the whole remaining reservation if this is the outermost stall,
	// rewritten as PADDING so it's self-describing.
	length := producerOffset - termOffset
	for off := termOffset + wire.FrameAlignment; off < producerOffset && off < a.lb.Meta.TermLength; off += wire.FrameAlignment {
		if atomic.LoadInt32((*int32)(unsafeAt(partition, off))) != 0 {
			length = off - termOffset
			break
		}
	}
	wire.PutHeader(partition[termOffset:], wire.Header{FrameLength: 0, Version: wire.Version, Type: wire.FrameTypePad})
	if !atomic.CompareAndSwapInt32((*int32)(unsafeAt(partition, termOffset)), 0, length) {
		return false
	}
	atomic.AddInt64(&a.unblockedCount, 1)
	return true
}

// UnblockedCount reports how many times TryUnblock has actually rewritten
// a stalled frame (the UNBLOCKED_PUBLICATIONS counter of spec.md §8
// scenario 5).
func (a *Appender) UnblockedCount() int64 {
	return atomic.LoadInt64(&a.unblockedCount)
}
