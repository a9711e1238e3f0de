// Package wire implements the UDP frame codec described in spec.md §6: a
// shared 8-byte header followed by type-specific fields, all little-endian.
// No pack repo carries a dedicated binary-framing library (the closest
// analogues, e.g. the vendored smux session framer and the UDP forwarder in
// other_examples/, both hand-roll encoding/binary directly), so this
// package does the same rather than reach for a framework that doesn't
// exist in the corpus.
package wire

import (
	"encoding/binary"
	"errors"
)

// FrameType identifies the wire frame kind (spec.md §6).
type FrameType uint8

const (
	FrameTypePad    FrameType = 0x00
	FrameTypeData   FrameType = 0x01
	FrameTypeNAK    FrameType = 0x02
	FrameTypeStatus FrameType = 0x03
	FrameTypeSetup  FrameType = 0x05
	FrameTypeRTT    FrameType = 0x06
)

// Data frame flags.
const (
	FlagBegin uint8 = 0x80
	FlagEnd   uint8 = 0x40
	FlagEOS   uint8 = 0x20
)

// RTT frame flag.
const FlagRTTReply uint8 = 0x80

const (
	// HeaderLength is the size of the shared 8-byte frame header.
	HeaderLength = 8
	// FrameAlignment is the byte boundary every frame is padded to.
	FrameAlignment = 32

	DataHeaderLength   = 32
	NAKHeaderLength    = 28
	SetupHeaderLength  = 40
	RTTHeaderLength    = 40
	statusHeaderFixed  = 36
)

// Version is the only wire version this driver speaks.
const Version uint8 = 0

var (
	errShort        = errors.New("wire: buffer too short for frame header")
	errBadVersion   = errors.New("wire: unsupported frame version")
	errBadFrameType = errors.New("wire: unknown frame type")
)

// Align rounds length up to the next multiple of FrameAlignment.
func Align(length int32) int32 {
	return (length + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// Header is the common 8-byte prefix of every frame.
type Header struct {
	FrameLength int32
	Version    uint8
	Flags      uint8
	Type       FrameType
}

// PutHeader writes h into buf[0:8]. frameLength is written last conceptually
// in the sense that callers append-committing a data frame must delay this
// write until the payload is in place and then release-store it (spec.md
// §4.1); PutHeader itself performs a plain store and is used both for the
// initial zero-length reservation and the final committing write.
func PutHeader(buf []byte, h Header) error {
	if len(buf) < HeaderLength {
		return errShort
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.FrameLength))
	buf[4] = h.Version
	buf[5] = h.Flags
	buf[6] = byte(h.Type)
	buf[7] = 0
	return nil
}

// ParseHeader reads the 8-byte header at the front of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLength {
		return Header{}, errShort
	}
	h := Header{
		FrameLength: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Version:     buf[4],
		Flags:       buf[5],
		Type:        FrameType(buf[6]),
	}
	return h, nil
}

// DataFrame is the type 0x01 frame (spec.md §6).
type DataFrame struct {
	Header
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	TermID        int32
	ReservedValue int64
	Payload       []byte
}

// PutDataFrame encodes a data frame header plus payload into buf, which
// must be at least DataHeaderLength+len(payload) bytes.
func PutDataFrame(buf []byte, f DataFrame) (int, error) {
	total := DataHeaderLength + len(f.Payload)
	if len(buf) < total {
		return 0, errShort
	}
	if err := PutHeader(buf, f.Header); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(f.TermID))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(f.ReservedValue))
	copy(buf[32:total], f.Payload)
	return total, nil
}

// ParseDataFrame decodes a data frame from buf. Payload aliases buf.
func ParseDataFrame(buf []byte) (DataFrame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return DataFrame{}, err
	}
	if h.Version != Version {
		return DataFrame{}, errBadVersion
	}
	if h.Type != FrameTypeData {
		return DataFrame{}, errBadFrameType
	}
	if len(buf) < DataHeaderLength {
		return DataFrame{}, errShort
	}
	f := DataFrame{
		Header:        h,
		TermOffset:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		SessionID:     int32(binary.LittleEndian.Uint32(buf[12:16])),
		StreamID:      int32(binary.LittleEndian.Uint32(buf[16:20])),
		TermID:        int32(binary.LittleEndian.Uint32(buf[20:24])),
		ReservedValue: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
	end := int(h.FrameLength)
	if end < DataHeaderLength {
		end = DataHeaderLength
	}
	if end > len(buf) {
		end = len(buf)
	}
	f.Payload = buf[32:end]
	return f, nil
}

// StatusMessageFrame is the type 0x03 frame (spec.md §6).
type StatusMessageFrame struct {
	Header
	SessionID             int32
	StreamID              int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow        int32
	ReceiverID            int64
	FeedbackTag           []byte
}

func PutStatusMessageFrame(buf []byte, f StatusMessageFrame) (int, error) {
	total := statusHeaderFixed + len(f.FeedbackTag)
	if len(buf) < total {
		return 0, errShort
	}
	if err := PutHeader(buf, f.Header); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.ConsumptionTermID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(f.ConsumptionTermOffset))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.ReceiverWindow))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(f.ReceiverID))
	copy(buf[36:total], f.FeedbackTag)
	return total, nil
}

func ParseStatusMessageFrame(buf []byte) (StatusMessageFrame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return StatusMessageFrame{}, err
	}
	if h.Type != FrameTypeStatus || len(buf) < statusHeaderFixed {
		return StatusMessageFrame{}, errBadFrameType
	}
	f := StatusMessageFrame{
		Header:                h,
		SessionID:             int32(binary.LittleEndian.Uint32(buf[8:12])),
		StreamID:              int32(binary.LittleEndian.Uint32(buf[12:16])),
		ConsumptionTermID:     int32(binary.LittleEndian.Uint32(buf[16:20])),
		ConsumptionTermOffset: int32(binary.LittleEndian.Uint32(buf[20:24])),
		ReceiverWindow:        int32(binary.LittleEndian.Uint32(buf[24:28])),
		ReceiverID:            int64(binary.LittleEndian.Uint64(buf[28:36])),
	}
	end := int(h.FrameLength)
	if end > len(buf) {
		end = len(buf)
	}
	if end > statusHeaderFixed {
		f.FeedbackTag = buf[statusHeaderFixed:end]
	}
	return f, nil
}

// NAKFrame is the type 0x02 frame (spec.md §6).
type NAKFrame struct {
	Header
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

func PutNAKFrame(buf []byte, f NAKFrame) (int, error) {
	if len(buf) < NAKHeaderLength {
		return 0, errShort
	}
	if err := PutHeader(buf, f.Header); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.TermID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.Length))
	return NAKHeaderLength, nil
}

func ParseNAKFrame(buf []byte) (NAKFrame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return NAKFrame{}, err
	}
	if h.Type != FrameTypeNAK || len(buf) < NAKHeaderLength {
		return NAKFrame{}, errBadFrameType
	}
	return NAKFrame{
		Header:     h,
		SessionID:  int32(binary.LittleEndian.Uint32(buf[8:12])),
		StreamID:   int32(binary.LittleEndian.Uint32(buf[12:16])),
		TermID:     int32(binary.LittleEndian.Uint32(buf[16:20])),
		TermOffset: int32(binary.LittleEndian.Uint32(buf[20:24])),
		Length:     int32(binary.LittleEndian.Uint32(buf[24:28])),
	}, nil
}

// SetupFrame is the type 0x05 frame (spec.md §6).
type SetupFrame struct {
	Header
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermOffset    int32
	TermLength    int32
	MTULength     int32
	TTL           int32
}

func PutSetupFrame(buf []byte, f SetupFrame) (int, error) {
	if len(buf) < SetupHeaderLength {
		return 0, errShort
	}
	if err := PutHeader(buf, f.Header); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.InitialTermID))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(f.ActiveTermID))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.TermLength))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(f.MTULength))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(f.TTL))
	return SetupHeaderLength, nil
}

func ParseSetupFrame(buf []byte) (SetupFrame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return SetupFrame{}, err
	}
	if h.Type != FrameTypeSetup || len(buf) < SetupHeaderLength {
		return SetupFrame{}, errBadFrameType
	}
	return SetupFrame{
		Header:        h,
		SessionID:     int32(binary.LittleEndian.Uint32(buf[8:12])),
		StreamID:      int32(binary.LittleEndian.Uint32(buf[12:16])),
		InitialTermID: int32(binary.LittleEndian.Uint32(buf[16:20])),
		ActiveTermID:  int32(binary.LittleEndian.Uint32(buf[20:24])),
		TermOffset:    int32(binary.LittleEndian.Uint32(buf[24:28])),
		TermLength:    int32(binary.LittleEndian.Uint32(buf[28:32])),
		MTULength:     int32(binary.LittleEndian.Uint32(buf[32:36])),
		TTL:           int32(binary.LittleEndian.Uint32(buf[36:40])),
	}, nil
}

// RTTMeasurementFrame is the type 0x06 frame (spec.md §6).
type RTTMeasurementFrame struct {
	Header
	SessionID      int32
	StreamID       int32
	EchoTimestamp  int64
	ReceptionDelta int64
	ReceiverID     int64
}

func PutRTTMeasurementFrame(buf []byte, f RTTMeasurementFrame) (int, error) {
	if len(buf) < RTTHeaderLength {
		return 0, errShort
	}
	if err := PutHeader(buf, f.Header); err != nil {
		return 0, err
	}
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(f.StreamID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(f.EchoTimestamp))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(f.ReceptionDelta))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(f.ReceiverID))
	return RTTHeaderLength, nil
}

func ParseRTTMeasurementFrame(buf []byte) (RTTMeasurementFrame, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return RTTMeasurementFrame{}, err
	}
	if h.Type != FrameTypeRTT || len(buf) < RTTHeaderLength {
		return RTTMeasurementFrame{}, errBadFrameType
	}
	return RTTMeasurementFrame{
		Header:         h,
		SessionID:      int32(binary.LittleEndian.Uint32(buf[8:12])),
		StreamID:       int32(binary.LittleEndian.Uint32(buf[12:16])),
		EchoTimestamp:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		ReceptionDelta: int64(binary.LittleEndian.Uint64(buf[24:32])),
		ReceiverID:     int64(binary.LittleEndian.Uint64(buf[32:40])),
	}, nil
}

// DefaultDataHeaderTemplate builds the prebuilt default data header stored
// in a Log Buffer's metadata (spec.md §3): session/stream baked in, term id
// patched per-term by the HeaderWriter.
func DefaultDataHeaderTemplate(sessionID, streamID, initialTermID int32) [DataHeaderLength]byte {
	var tmpl [DataHeaderLength]byte
	PutDataFrame(tmpl[:], DataFrame{
		Header:    Header{Version: Version, Type: FrameTypeData},
		SessionID: sessionID,
		StreamID:  streamID,
		TermID:    initialTermID,
	})
	return tmpl
}
