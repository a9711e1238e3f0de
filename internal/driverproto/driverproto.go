// Package driverproto defines the client↔driver command and response
// envelopes of spec.md §6: every command carries a 64-bit correlation id;
// every response carries the same correlation id and a typed payload.
//
// Grounded on pkg/websocket/client.go's extractMessageType dispatch idea
// (a type tag selecting a concrete payload), adapted from a JSON
// websocket envelope to driver command/response structs exchanged over
// internal/ringbuffer's command ring and broadcast transmitter.
package driverproto

import (
	"github.com/aeronio/mediadriver/internal/chanuri"
	"github.com/aeronio/mediadriver/internal/flowcontrol"
)

// ErrorCode enumerates the reply error codes of spec.md §6.
type ErrorCode int32

const (
	ErrorUnknownPublication ErrorCode = iota + 1
	ErrorUnknownSubscription
	ErrorGeneric
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorUnknownPublication:
		return "UNKNOWN_PUBLICATION"
	case ErrorUnknownSubscription:
		return "UNKNOWN_SUBSCRIPTION"
	case ErrorGeneric:
		return "GENERIC"
	default:
		return "UNKNOWN_ERROR_CODE"
	}
}

// CorrelatedCommand is embedded by every client→driver command.
type CorrelatedCommand struct {
	CorrelationID int64
	ClientID      int64
}

// AddPublicationCommand is spec.md §4.4's AddPublication command.
type AddPublicationCommand struct {
	CorrelatedCommand
	Channel   string
	StreamID  int32
	Exclusive bool
}

// RemovePublicationCommand is spec.md §4.4's RemovePublication command.
type RemovePublicationCommand struct {
	CorrelatedCommand
	RegistrationID int64
}

// SubscriptionKind distinguishes the three subscription flavors spec.md
// §4.4 treats "analogously": network, IPC, and spy.
type SubscriptionKind int32

const (
	SubscriptionNetwork SubscriptionKind = iota
	SubscriptionIPC
	SubscriptionSpy
)

// AddSubscriptionCommand covers AddNetworkSubscription, AddIpcSubscription,
// and AddSpySubscription (spec.md §4.4), distinguished by Kind.
type AddSubscriptionCommand struct {
	CorrelatedCommand
	Kind     SubscriptionKind
	Channel  string
	StreamID int32
	Reliable bool
}

// RemoveSubscriptionCommand is spec.md §4.4's RemoveSubscription command.
type RemoveSubscriptionCommand struct {
	CorrelatedCommand
	RegistrationID int64
}

// AddDestinationCommand / RemoveDestinationCommand are spec.md §4.4's
// multi-destination-cast destination commands, valid only against a
// manual-control-mode publication.
type AddDestinationCommand struct {
	CorrelatedCommand
	PublicationRegistrationID int64
	DestinationChannel        string
}

type RemoveDestinationCommand struct {
	CorrelatedCommand
	PublicationRegistrationID int64
	DestinationChannel        string
}

// ClientKeepaliveCommand refreshes a client's liveness deadline (spec.md
// §4.4).
type ClientKeepaliveCommand struct {
	ClientID int64
}

// CreatePublicationImageCommand is posted by the Receiver agent, not a
// client, when a SETUP or first data frame establishes a new inbound
// stream (spec.md §4.4).
type CreatePublicationImageCommand struct {
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermOffset    int32
	TermLength    int32
	MTULength     int32
	SourceAddr    string
	Endpoint      chanuri.URI
}

// DataFrameEvent is posted by a receive endpoint's read loop when a Data
// frame arrives (spec.md §4.3). The Conductor routes it to the matching
// image by (Canonical, SessionID, StreamID); an unmatched frame (no image
// yet, or one that has since been removed) is silently dropped.
type DataFrameEvent struct {
	Canonical string
	SessionID int32
	StreamID  int32
	Raw       []byte
}

// StatusMessageEvent is posted by a send endpoint's read loop when a
// Status Message frame arrives in reply to a publication's own traffic
// (spec.md §4.2 "Status message handling").
type StatusMessageEvent struct {
	Canonical string
	SessionID int32
	StreamID  int32
	Msg       flowcontrol.StatusMessage
	Src       string
}

// NAKEvent is posted by a send endpoint's read loop when a NAK frame
// arrives for a publication (spec.md §4.2 "NAK handling").
type NAKEvent struct {
	Canonical  string
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// RTTReplyEvent is posted by a receive endpoint's read loop when an RTT
// Measurement reply frame arrives for one of our images (spec.md §6 RTT
// Measurement frame, SPEC_FULL.md §5 "the Conductor tracks round-trip time
// per image from RTT request/reply frames"). RecvNs is the wall-clock time
// the reply was read off the socket, captured in the read loop itself
// rather than at dispatch time so queueing delay inside the Conductor never
// pollutes the measurement.
type RTTReplyEvent struct {
	Canonical        string
	SessionID        int32
	StreamID         int32
	EchoTimestampNs  int64
	ReceptionDeltaNs int64
	RecvNs           int64
}

// OKResponse acknowledges a command with no further payload.
type OKResponse struct {
	CorrelationID int64
}

// ErrorResponse reports a failed command (spec.md §6, §7).
type ErrorResponse struct {
	CorrelationID int64
	Code          ErrorCode
	Message       string
}

// PublicationReadyResponse answers AddPublicationCommand (spec.md §4.4).
type PublicationReadyResponse struct {
	CorrelationID        int64
	RegistrationID       int64
	SessionID            int32
	StreamID             int32
	LogFileName          string
	PublisherLimitID     int32
	ChannelStatusID      int32
}

// SubscriptionReadyResponse answers AddSubscriptionCommand.
type SubscriptionReadyResponse struct {
	CorrelationID  int64
	RegistrationID int64
	ChannelStatusID int32
}

// AvailableImageResponse announces a new matching image to a subscriber
// (spec.md §4.4).
type AvailableImageResponse struct {
	CorrelationID        int64
	SubscriptionRegistrationID int64
	SessionID            int32
	StreamID             int32
	LogFileName          string
	SourceIdentity       string
	SubscriberPositionID int32
}

// UnavailableImageResponse announces an image's removal (spec.md §8
// scenario 4).
type UnavailableImageResponse struct {
	SubscriptionRegistrationID int64
	SessionID                  int32
	StreamID                   int32
}

// CounterReadyResponse announces a newly allocated counter (spec.md §6).
type CounterReadyResponse struct {
	CorrelationID int64
	CounterID     int32
}
