package conductor

import (
	"net"
	"time"

	"github.com/aeronio/mediadriver/internal/chanuri"
	"github.com/aeronio/mediadriver/internal/driverproto"
	"github.com/aeronio/mediadriver/internal/endpoint"
	"github.com/aeronio/mediadriver/internal/flowcontrol"
	"github.com/aeronio/mediadriver/internal/wire"
)

// receiveBufferSize is sized for the largest datagram a configured MTU can
// produce, with headroom for a jumbo-frame interface MTU.
const receiveBufferSize = 64 * 1024

// startReceiveEndpoint spawns, at most once per shared receive socket, the
// goroutine that turns inbound datagrams into events the Conductor's own
// duty cycle dispatches. This is the Receiver agent of spec.md §5: it
// never touches driver state directly, only posts to the event queue, so
// the single-owner invariant that protects every map and log buffer in
// this package holds even though datagrams arrive concurrently with the
// duty cycle.
func (c *Conductor) startReceiveEndpoint(ep *endpoint.ReceiveChannelEndpoint, canonical string) {
	if c.startedReceive[ep] {
		return
	}
	c.startedReceive[ep] = true
	go c.receiveLoop(ep, canonical)
}

// startSendEndpointReader is startReceiveEndpoint's counterpart for a
// publication's own send socket: Status Message and NAK replies arrive
// back on the same bidirectional UDP socket a publication sends from, so
// it needs a reader too.
func (c *Conductor) startSendEndpointReader(ep *endpoint.SendChannelEndpoint, canonical string) {
	if c.startedSend[ep] {
		return
	}
	c.startedSend[ep] = true
	go c.sendEndpointReadLoop(ep, canonical)
}

func (c *Conductor) receiveLoop(ep *endpoint.ReceiveChannelEndpoint, canonical string) {
	conn := ep.Conn()
	buf := make([]byte, receiveBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return // socket closed by the last ReleaseReceive
		}
		raw := append([]byte(nil), buf[:n]...)
		c.handleReceivedDatagram(canonical, addrString(addr), raw, time.Now().UnixNano())
	}
}

// handleReceivedDatagram parses a datagram that arrived on a receive
// endpoint and posts the matching event. It deliberately does not
// consult any Conductor-owned map: that lookup (and the idempotence it
// buys against a Setup frame that keeps arriving after the image
// exists) happens in the Conductor's own goroutine via imageFor, not
// here.
// recvNs is the wall-clock time this datagram was read off the socket,
// captured by the caller rather than here so an RTT reply's delay
// measurement reflects actual network+peer time, not queueing delay
// through this function.
func (c *Conductor) handleReceivedDatagram(canonical, src string, raw []byte, recvNs int64) {
	h, err := wire.ParseHeader(raw)
	if err != nil {
		return
	}

	switch h.Type {
	case wire.FrameTypeSetup:
		f, err := wire.ParseSetupFrame(raw)
		if err != nil {
			return
		}
		uri, err := chanuri.Parse(canonical)
		if err != nil {
			return
		}
		c.PostEvent(driverproto.CreatePublicationImageCommand{
			SessionID:     f.SessionID,
			StreamID:      f.StreamID,
			InitialTermID: f.InitialTermID,
			ActiveTermID:  f.ActiveTermID,
			TermOffset:    f.TermOffset,
			TermLength:    f.TermLength,
			MTULength:     f.MTULength,
			SourceAddr:    src,
			Endpoint:      uri,
		})
	case wire.FrameTypeData:
		f, err := wire.ParseDataFrame(raw)
		if err != nil {
			return
		}
		c.PostEvent(driverproto.DataFrameEvent{
			Canonical: canonical,
			SessionID: f.SessionID,
			StreamID:  f.StreamID,
			Raw:       raw,
		})
	case wire.FrameTypeRTT:
		f, err := wire.ParseRTTMeasurementFrame(raw)
		if err != nil || f.Flags&wire.FlagRTTReply == 0 {
			// A request arriving on a receive endpoint would mean some
			// other party expects this driver's publication side to
			// answer it, which never happens here: images are the only
			// thing in this driver that issues RTT requests, and they do
			// so from their own receive socket. Anything other than a
			// reply to one of those requests is ignored.
			return
		}
		c.PostEvent(driverproto.RTTReplyEvent{
			Canonical:        canonical,
			SessionID:        f.SessionID,
			StreamID:         f.StreamID,
			EchoTimestampNs:  f.EchoTimestamp,
			ReceptionDeltaNs: f.ReceptionDelta,
			RecvNs:           recvNs,
		})
	default:
		// Status/NAK/Pad frames never arrive on a receive endpoint in this
		// driver's usage; ignore anything else rather than guess.
	}
}

func (c *Conductor) sendEndpointReadLoop(ep *endpoint.SendChannelEndpoint, canonical string) {
	conn := ep.Conn()
	buf := make([]byte, receiveBufferSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return // socket closed by the last ReleaseSend
		}
		raw := append([]byte(nil), buf[:n]...)
		c.handleSendEndpointDatagram(conn, addr, canonical, raw)
	}
}

func (c *Conductor) handleSendEndpointDatagram(conn net.PacketConn, addr net.Addr, canonical string, raw []byte) {
	h, err := wire.ParseHeader(raw)
	if err != nil {
		return
	}
	src := addrString(addr)

	switch h.Type {
	case wire.FrameTypeStatus:
		f, err := wire.ParseStatusMessageFrame(raw)
		if err != nil {
			return
		}
		c.PostEvent(driverproto.StatusMessageEvent{
			Canonical: canonical,
			SessionID: f.SessionID,
			StreamID:  f.StreamID,
			Src:       src,
			Msg: flowcontrol.StatusMessage{
				ReceiverID:        f.ReceiverID,
				ConsumptionTermID: f.ConsumptionTermID,
				ConsumptionOffset: f.ConsumptionTermOffset,
				ReceiverWindow:    f.ReceiverWindow,
				FeedbackTag:       string(f.FeedbackTag),
			},
		})
	case wire.FrameTypeNAK:
		f, err := wire.ParseNAKFrame(raw)
		if err != nil {
			return
		}
		c.PostEvent(driverproto.NAKEvent{
			Canonical:  canonical,
			SessionID:  f.SessionID,
			StreamID:   f.StreamID,
			TermID:     f.TermID,
			TermOffset: f.TermOffset,
			Length:     f.Length,
		})
	case wire.FrameTypeRTT:
		f, err := wire.ParseRTTMeasurementFrame(raw)
		if err != nil || f.Flags&wire.FlagRTTReply != 0 {
			// A reply arriving on a send endpoint would be stray (this
			// driver's publications never issue RTT requests themselves,
			// only images do, from their own receive socket); ignore it
			// rather than guess at who it was for.
			return
		}
		replyRTTMeasurement(conn, addr, f)
	default:
		// Data/Setup/Pad frames never arrive on a send endpoint in this
		// driver's usage; ignore anything else rather than guess.
	}
}

// replyRTTMeasurement echoes an RTT Measurement request back to its sender
// with the REPLY flag set, same echo timestamp, and the same receiver id
// (spec.md §6 RTT Measurement frame). It touches no Conductor-owned state —
// same reasoning as publicationimage.fireNAK's direct socket write — so it
// runs straight out of the read loop instead of round-tripping through the
// event queue.
func replyRTTMeasurement(conn net.PacketConn, addr net.Addr, req wire.RTTMeasurementFrame) {
	var buf [wire.RTTHeaderLength]byte
	wire.PutRTTMeasurementFrame(buf[:], wire.RTTMeasurementFrame{
		Header:         wire.Header{FrameLength: wire.RTTHeaderLength, Version: wire.Version, Type: wire.FrameTypeRTT, Flags: wire.FlagRTTReply},
		SessionID:      req.SessionID,
		StreamID:       req.StreamID,
		EchoTimestamp:  req.EchoTimestamp,
		ReceptionDelta: 0,
		ReceiverID:     req.ReceiverID,
	})
	conn.WriteTo(buf[:], addr)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
