// Package logbuffer implements the Log Buffer and Term Appender of
// spec.md §3 and §4.1: three partitioned term buffers plus a metadata
// trailer, and the append-only producer-side framing engine over one
// partition.
//
// Grounded on pkg/websocket/ring_buffer.go's atomic fetch-and-add slot
// claim and cache-line-padded header fields, generalized from a fixed-size
// slot ring to a byte-addressed, frame-aligned term partition.
package logbuffer

import (
	"sync/atomic"

	"github.com/aeronio/mediadriver/internal/wire"
)

// PartitionCount is fixed at three, per spec.md §3.
const PartitionCount = 3

// Metadata is the Log Buffer's trailer (spec.md §3). The active partition
// index, the raw-tail counters, and the status-message/end-of-stream
// fields are each kept on their own cache-line-padded group so the roles
// that write them never false-share, per spec.md §9.
type Metadata struct {
	InitialTermID int32
	MTULength     int32
	CorrelationID int64
	TermLength    int32

	_ [64]byte
	activePartitionIndex int32
	_                     [64]byte

	rawTail [PartitionCount]int64 // atomic, packs (term_id, term_offset)
	_       [64]byte

	timeOfLastStatusMessageNs int64 // atomic
	endOfStreamPosition       int64 // atomic, 1<<62 until EOS is set
	_                         [64]byte

	defaultHeader [wire.DataHeaderLength]byte
}

// NewMetadata builds a fresh metadata trailer for a newly created stream.
func NewMetadata(initialTermID, mtuLength, termLength int32, correlationID int64, sessionID, streamID int32) *Metadata {
	m := &Metadata{
		InitialTermID: initialTermID,
		MTULength:     mtuLength,
		CorrelationID: correlationID,
		TermLength:    termLength,
	}
	m.defaultHeader = wire.DefaultDataHeaderTemplate(sessionID, streamID, initialTermID)
	atomic.StoreInt64(&m.rawTail[0], packRawTail(initialTermID, 0))
	atomic.StoreInt64(&m.endOfStreamPosition, 1<<62)
	return m
}

// ActivePartitionIndex returns the currently active partition, in {0,1,2}
// (spec.md §3, §8 invariant 5).
func (m *Metadata) ActivePartitionIndex() int32 {
	return atomic.LoadInt32(&m.activePartitionIndex)
}

// RotateActivePartition advances from the partition holding trippedTermID
// to the next one after a TRIPPED append (spec.md §4.1). It is safe for
// concurrent producers to call this racily for the same tripped term: both
// derive the same partitions from trippedTermID, so whichever one's
// CompareAndSwap loses simply observes it already done.
func (m *Metadata) RotateActivePartition(trippedTermID int32) {
	diff := trippedTermID - m.InitialTermID
	tripped := ((diff % PartitionCount) + PartitionCount) % PartitionCount
	next := (tripped + 1) % PartitionCount
	nextTermID := trippedTermID + 1
	// Only initialise the next partition's raw-tail if it does not already
	// hold nextTermID, so a late caller never rewinds appends made since.
	cur := atomic.LoadInt64(&m.rawTail[next])
	if curTermID, _ := UnpackRawTail(cur); curTermID != nextTermID {
		atomic.CompareAndSwapInt64(&m.rawTail[next], cur, packRawTail(nextTermID, 0))
	}
	atomic.CompareAndSwapInt32(&m.activePartitionIndex, tripped, next)
}

// RawTail returns the atomic (term_id, term_offset) counter for partition
// index.
func (m *Metadata) RawTail(partitionIndex int32) *int64 {
	return &m.rawTail[partitionIndex]
}

// DefaultHeader returns the prebuilt default data header template.
func (m *Metadata) DefaultHeader() [wire.DataHeaderLength]byte {
	return m.defaultHeader
}

// UpdateTimeOfLastStatusMessage records now as the time the sender last
// observed a status message (spec.md §4.2).
func (m *Metadata) UpdateTimeOfLastStatusMessage(nowNs int64) {
	atomic.StoreInt64(&m.timeOfLastStatusMessageNs, nowNs)
}

// TimeOfLastStatusMessage returns the last recorded time.
func (m *Metadata) TimeOfLastStatusMessage() int64 {
	return atomic.LoadInt64(&m.timeOfLastStatusMessageNs)
}

// SetEndOfStreamPosition records the position at which the producer
// finalized the stream (EOS flag, spec.md §6).
func (m *Metadata) SetEndOfStreamPosition(position int64) {
	atomic.StoreInt64(&m.endOfStreamPosition, position)
}

// EndOfStreamPosition returns the recorded EOS position, or a very large
// sentinel if the stream has not ended.
func (m *Metadata) EndOfStreamPosition() int64 {
	return atomic.LoadInt64(&m.endOfStreamPosition)
}

func packRawTail(termID int32, termOffset int32) int64 {
	return int64(uint64(uint32(termID))<<32 | uint64(uint32(termOffset)))
}

// UnpackRawTail splits a raw-tail value into (term_id, term_offset).
func UnpackRawTail(raw int64) (termID, termOffset int32) {
	return int32(uint64(raw) >> 32), int32(uint64(raw))
}

// Position computes the absolute stream position for (termID, termOffset)
// given initialTermID and termLength (spec.md §3).
func Position(termID, initialTermID, termLength, termOffset int32) int64 {
	return int64(termID-initialTermID)*int64(termLength) + int64(termOffset)
}

// LogBuffer owns the three term partitions and the metadata trailer for
// one stream.
type LogBuffer struct {
	Meta       *Metadata
	Partitions [PartitionCount][]byte
}

// New allocates a Log Buffer with the given term length (must be a power
// of two, per spec.md §3) for one stream.
func New(initialTermID, mtuLength, termLength int32, correlationID int64, sessionID, streamID int32) *LogBuffer {
	lb := &LogBuffer{Meta: NewMetadata(initialTermID, mtuLength, termLength, correlationID, sessionID, streamID)}
	for i := range lb.Partitions {
		lb.Partitions[i] = make([]byte, termLength)
	}
	return lb
}

// TermLength returns the configured term partition length.
func (lb *LogBuffer) TermLength() int32 { return lb.Meta.TermLength }
