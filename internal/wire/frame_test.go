package wire

import (
	"bytes"
	"testing"
)

func TestDataFrameRoundTrip(t *testing.T) {
	payload := []byte("hello aeron")
	buf := make([]byte, DataHeaderLength+len(payload))

	n, err := PutDataFrame(buf, DataFrame{
		Header:        Header{FrameLength: int32(DataHeaderLength + len(payload)), Version: Version, Type: FrameTypeData, Flags: FlagBegin | FlagEnd},
		TermOffset:    128,
		SessionID:     7,
		StreamID:      10,
		TermID:        3,
		ReservedValue: 0,
		Payload:       payload,
	})
	if err != nil {
		t.Fatalf("PutDataFrame: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("wrote %d bytes, want %d", n, len(buf))
	}

	got, err := ParseDataFrame(buf)
	if err != nil {
		t.Fatalf("ParseDataFrame: %v", err)
	}
	if got.SessionID != 7 || got.StreamID != 10 || got.TermID != 3 || got.TermOffset != 128 {
		t.Fatalf("unexpected fields: %+v", got)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload)
	}
	if got.Flags != FlagBegin|FlagEnd {
		t.Fatalf("flags mismatch: got %x", got.Flags)
	}
}

func TestStatusMessageFrameRoundTrip(t *testing.T) {
	buf := make([]byte, statusHeaderFixed)
	_, err := PutStatusMessageFrame(buf, StatusMessageFrame{
		Header:                Header{FrameLength: int32(statusHeaderFixed), Version: Version, Type: FrameTypeStatus},
		SessionID:             1,
		StreamID:              2,
		ConsumptionTermID:     5,
		ConsumptionTermOffset: 64,
		ReceiverWindow:        65536,
		ReceiverID:            99,
	})
	if err != nil {
		t.Fatalf("PutStatusMessageFrame: %v", err)
	}
	got, err := ParseStatusMessageFrame(buf)
	if err != nil {
		t.Fatalf("ParseStatusMessageFrame: %v", err)
	}
	if got.ReceiverWindow != 65536 || got.ReceiverID != 99 {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestNAKFrameRoundTrip(t *testing.T) {
	buf := make([]byte, NAKHeaderLength)
	if _, err := PutNAKFrame(buf, NAKFrame{
		Header:     Header{Version: Version, Type: FrameTypeNAK},
		SessionID:  3,
		StreamID:   4,
		TermID:     1,
		TermOffset: 256,
		Length:     1408,
	}); err != nil {
		t.Fatalf("PutNAKFrame: %v", err)
	}
	got, err := ParseNAKFrame(buf)
	if err != nil {
		t.Fatalf("ParseNAKFrame: %v", err)
	}
	if got.Length != 1408 || got.TermOffset != 256 {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestSetupFrameRoundTrip(t *testing.T) {
	buf := make([]byte, SetupHeaderLength)
	if _, err := PutSetupFrame(buf, SetupFrame{
		Header:        Header{Version: Version, Type: FrameTypeSetup},
		SessionID:     11,
		StreamID:      22,
		InitialTermID: 1000,
		ActiveTermID:  1002,
		TermOffset:    4096,
		TermLength:    1 << 24,
		MTULength:     1408,
		TTL:           16,
	}); err != nil {
		t.Fatalf("PutSetupFrame: %v", err)
	}
	got, err := ParseSetupFrame(buf)
	if err != nil {
		t.Fatalf("ParseSetupFrame: %v", err)
	}
	if got.TermLength != 1<<24 || got.TTL != 16 {
		t.Fatalf("unexpected fields: %+v", got)
	}
}

func TestRTTMeasurementFrameRoundTrip(t *testing.T) {
	buf := make([]byte, RTTHeaderLength)
	if _, err := PutRTTMeasurementFrame(buf, RTTMeasurementFrame{
		Header:         Header{Version: Version, Type: FrameTypeRTT, Flags: FlagRTTReply},
		SessionID:      5,
		StreamID:       6,
		EchoTimestamp:  1234567890,
		ReceptionDelta: 42,
		ReceiverID:     987654321,
	}); err != nil {
		t.Fatalf("PutRTTMeasurementFrame: %v", err)
	}
	got, err := ParseRTTMeasurementFrame(buf)
	if err != nil {
		t.Fatalf("ParseRTTMeasurementFrame: %v", err)
	}
	if got.SessionID != 5 || got.StreamID != 6 {
		t.Fatalf("unexpected session/stream: %+v", got)
	}
	if got.EchoTimestamp != 1234567890 || got.ReceptionDelta != 42 {
		t.Fatalf("unexpected timing fields: %+v", got)
	}
	if got.ReceiverID != 987654321 {
		t.Fatalf("ReceiverID = %d, want 987654321", got.ReceiverID)
	}
	if got.Flags != FlagRTTReply {
		t.Fatalf("Flags = %x, want %x", got.Flags, FlagRTTReply)
	}
}

func TestParseHeaderShortBuffer(t *testing.T) {
	if _, err := ParseHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestAlign(t *testing.T) {
	cases := map[int32]int32{0: 0, 1: 32, 31: 32, 32: 32, 33: 64, 1408: 1408}
	for in, want := range cases {
		if got := Align(in); got != want {
			t.Errorf("Align(%d) = %d, want %d", in, got, want)
		}
	}
}
