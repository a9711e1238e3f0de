// Package conductor implements the Driver Conductor of spec.md §4.4: the
// single-threaded orchestrator owning every publication, image, subscription
// and client, driving a duty cycle that drains command and event queues,
// dispatches the client command contract, and sweeps managed resources on a
// fixed timer.
//
// Grounded on internal/server/server.go's Server as the top-level
// single-owner orchestrator wiring every other component together, and
// pkg/websocket/hub.go's Run() select-loop as the shape of a duty cycle that
// repeatedly drains work from a set of channels/queues rather than blocking
// on any one of them.
package conductor

import (
	"fmt"
	"log"
	"net"

	"github.com/aeronio/mediadriver/internal/chanuri"
	"github.com/aeronio/mediadriver/internal/counters"
	"github.com/aeronio/mediadriver/internal/driverlog"
	"github.com/aeronio/mediadriver/internal/driverproto"
	"github.com/aeronio/mediadriver/internal/endpoint"
	"github.com/aeronio/mediadriver/internal/flowcontrol"
	"github.com/aeronio/mediadriver/internal/idlestrategy"
	"github.com/aeronio/mediadriver/internal/ipcpublication"
	"github.com/aeronio/mediadriver/internal/logbuffer"
	"github.com/aeronio/mediadriver/internal/metrics"
	"github.com/aeronio/mediadriver/internal/networkpublication"
	"github.com/aeronio/mediadriver/internal/publicationimage"
	"github.com/aeronio/mediadriver/internal/retransmit"
	"github.com/aeronio/mediadriver/internal/ringbuffer"
)

// resource is the unifying managed-resource capability of spec.md §9: "a
// unifying capability {on_time_event, has_reached_end_of_life, delete} lets
// the Conductor sweep clients, links, publications and images uniformly."
// networkpublication.NetworkPublication and ipcpublication.IpcPublication
// already expose exactly this shape; clientState is the one type in this
// package written purely to satisfy it.
type resource interface {
	OnTimeEvent(nowNs int64)
	HasReachedEndOfLife() bool
	Delete()
}

var (
	_ resource = (*networkpublication.NetworkPublication)(nil)
	_ resource = (*ipcpublication.IpcPublication)(nil)
)

// Params configures the Conductor's framing defaults and timeouts (spec.md
// §5, §6 "Timeouts").
type Params struct {
	TermLength                    int32
	MTULength                     int32
	ReceiverWindow                int32
	ConfiguredTermWindowLength    int64
	MulticastNAKDelayNs           int64

	ClientLivenessTimeoutNs       int64
	ImageLivenessTimeoutNs        int64
	PublicationUnblockTimeoutNs   int64
	PublicationSetupTimeoutNs     int64
	PublicationHeartbeatTimeoutNs int64
	StatusMessageTimeoutNs        int64
	// RTTMeasurementTimeoutNs paces each image's own RTT Measurement
	// requests (SPEC_FULL.md §5); zero disables RTT measurement.
	RTTMeasurementTimeoutNs       int64
	PublicationLingerNs           int64
	TimerIntervalNs               int64
	CommandDrainLimit             int
	SendToStatusMessagePollRatio  int32

	// SessionIDSeed / InitialTermIDSeed are the starting values for the
	// monotone session-id and initial-term-id counters (spec.md §6 "session
	// ids... drawn from a monotone counter seeded from a randomized value").
	// Randomizing the seed is the caller's job (cmd/mediadriverd draws it
	// from crypto/rand at startup); the Conductor itself stays free of
	// hidden nondeterminism, exactly like every other nowNs-parameterized
	// component in this module.
	SessionIDSeed     int32
	InitialTermIDSeed int32
}

// clientState tracks one AeronClient's liveness deadline (spec.md §3 entity
// table, §4.4 ClientKeepalive). It exists purely to give a client a
// resource-shaped hook into the generic managed-resource sweep.
type clientState struct {
	clientID            int64
	livenessDeadlineNs  int64
	deadlineExceeded    bool
	conductor           *Conductor
}

func (c *clientState) OnTimeEvent(nowNs int64) {
	if nowNs > c.livenessDeadlineNs {
		c.deadlineExceeded = true
	}
}

func (c *clientState) HasReachedEndOfLife() bool { return c.deadlineExceeded }

func (c *clientState) Delete() {
	c.conductor.reapClient(c.clientID)
}

type networkPubEntry struct {
	pub            *networkpublication.NetworkPublication
	endpointRef    *endpoint.SendChannelEndpoint
	canonical      string
	streamID       int32
	exclusive      bool
	sessionID      int32
	registrationID int64
	termLength     int32
	mtuLength      int32
	initialTermID  int32
	logFileName    string

	// lastRetransmitOverflow is the last RetransmitOverflowCount() value
	// observed, so the Conductor can turn that cumulative counter into
	// metrics deltas without double-counting across duty cycles.
	lastRetransmitOverflow int64

	channelStatusCounter  counters.Position
	limitCounter          counters.Position
	senderPositionCounter counters.Position

	spyPositions map[int64]counters.Position // keyed by spy subscription registration id
}

func (e *networkPubEntry) applySpyPositions() {
	list := make([]counters.Position, 0, len(e.spyPositions))
	for _, p := range e.spyPositions {
		list = append(list, p)
	}
	e.pub.SetSpyPositions(list)
}

type ipcPubEntry struct {
	pub            *ipcpublication.IpcPublication
	canonical      string
	streamID       int32
	exclusive      bool
	sessionID      int32
	registrationID int64
	logFileName    string

	channelStatusCounter counters.Position
	limitCounter         counters.Position

	subscriberPositions map[int64]counters.Position // keyed by subscription registration id
}

func (e *ipcPubEntry) applySubscriberPositions() {
	list := make([]counters.Position, 0, len(e.subscriberPositions))
	for _, p := range e.subscriberPositions {
		list = append(list, p)
	}
	e.pub.SetSubscriberPositions(list)
}

type imageEntry struct {
	img            *publicationimage.PublicationImage
	registrationID int64
	canonical      string
	streamID       int32
	sessionID      int32
	logFileName    string

	subscriberPositions map[int64]counters.Position // keyed by subscription registration id
}

func (e *imageEntry) applySubscriberPositions() {
	list := make([]counters.Position, 0, len(e.subscriberPositions))
	for _, p := range e.subscriberPositions {
		list = append(list, p)
	}
	e.img.SetSubscriberPositions(list)
}

// subscriptionEntry is spec.md §3's Subscription entity: one client's
// interest in a (canonical channel, stream id), linked against every
// currently matching image/publication.
type subscriptionEntry struct {
	registrationID int64
	clientID       int64
	kind           driverproto.SubscriptionKind
	canonical      string
	streamID       int32
	reliable       bool

	receiveEndpoint     *endpoint.ReceiveChannelEndpoint
	channelStatusCounter counters.Position

	linkedImages      map[int64]*imageEntry      // keyed by image registration id
	linkedIpcPubs     map[int64]*ipcPubEntry     // keyed by ipc pub registration id
	linkedNetworkPubs map[int64]*networkPubEntry // keyed by network pub registration id (spy only)
	positions         map[int64]counters.Position // keyed by the same linked-target registration id
}

func newSubscriptionEntry(registrationID, clientID int64, kind driverproto.SubscriptionKind, canonical string, streamID int32, reliable bool) *subscriptionEntry {
	return &subscriptionEntry{
		registrationID:    registrationID,
		clientID:          clientID,
		kind:              kind,
		canonical:         canonical,
		streamID:          streamID,
		reliable:          reliable,
		linkedImages:      make(map[int64]*imageEntry),
		linkedIpcPubs:     make(map[int64]*ipcPubEntry),
		linkedNetworkPubs: make(map[int64]*networkPubEntry),
		positions:         make(map[int64]counters.Position),
	}
}

// Conductor is the Driver Conductor of spec.md §4.4: the single-threaded
// owner of every publication, image, subscription, client and endpoint, and
// the driver of the duty cycle that dispatches client commands and sweeps
// time-based lifecycle transitions.
type Conductor struct {
	logger   *log.Logger
	errorLog *driverlog.Log
	params   Params
	idle     idlestrategy.Strategy
	metrics  *metrics.Metrics

	endpoints *endpoint.Registry
	values    *counters.Values

	commands  *ringbuffer.CommandRing[any] // to-driver ring (client → Conductor)
	events    *ringbuffer.Queue[any]       // Sender/Receiver → Conductor event queue
	responses *ringbuffer.Broadcast[any]   // Conductor → clients

	clients    map[int64]*clientState
	clientPubs map[int64]map[int64]bool // clientID -> set of owned publication registration ids
	clientSubs map[int64]map[int64]bool // clientID -> set of owned subscription registration ids

	networkPubs map[int64]*networkPubEntry
	ipcPubs     map[int64]*ipcPubEntry
	images      map[int64]*imageEntry
	subs        map[int64]*subscriptionEntry

	liveSessionIDs map[int32]bool
	nextSessionID  int32

	nextInitialTermID  int32
	nextRegistrationID int64
	nextReceiverID     int64

	nextTimerNs    int64
	blockedSinceNs int64

	// startedReceive/startedSend track which shared endpoint sockets
	// already have a read-loop goroutine running, so a socket shared by
	// several publications/subscriptions only ever gets one reader
	// (spec.md §4 item 8's refcounted endpoint sharing).
	startedReceive map[*endpoint.ReceiveChannelEndpoint]bool
	startedSend    map[*endpoint.SendChannelEndpoint]bool
}

// New builds a Conductor. commands/events/responses are the queues the
// Sender/Receiver agents and client processes communicate through (spec.md
// §5, §6); this package owns their consumption but not their construction,
// since cmd/mediadriverd sizes them from configuration. m is optional: a
// nil *metrics.Metrics disables every metrics call below, which is how
// every test in this package builds a Conductor without tripping a
// duplicate Prometheus collector registration.
func New(logger *log.Logger, errorLog *driverlog.Log, params Params, commands *ringbuffer.CommandRing[any], events *ringbuffer.Queue[any], responses *ringbuffer.Broadcast[any], idle idlestrategy.Strategy, m *metrics.Metrics) *Conductor {
	return &Conductor{
		logger:    logger,
		errorLog:  errorLog,
		params:    params,
		idle:      idle,
		metrics:   m,
		endpoints: endpoint.NewRegistry(),
		values:    counters.NewValues(),
		commands:  commands,
		events:    events,
		responses: responses,

		clients:    make(map[int64]*clientState),
		clientPubs: make(map[int64]map[int64]bool),
		clientSubs: make(map[int64]map[int64]bool),

		networkPubs: make(map[int64]*networkPubEntry),
		ipcPubs:     make(map[int64]*ipcPubEntry),
		images:      make(map[int64]*imageEntry),
		subs:        make(map[int64]*subscriptionEntry),

		liveSessionIDs: make(map[int32]bool),
		nextSessionID:  params.SessionIDSeed,

		nextInitialTermID:  params.InitialTermIDSeed,
		nextRegistrationID: 1,

		startedReceive: make(map[*endpoint.ReceiveChannelEndpoint]bool),
		startedSend:    make(map[*endpoint.SendChannelEndpoint]bool),
	}
}

// PostClientCommand enqueues a client→driver command onto the to-driver
// ring, returning false if the ring is full (spec.md §5: the caller retries
// next cycle rather than blocking).
func (c *Conductor) PostClientCommand(cmd any) bool { return c.commands.Push(cmd) }

// PostEvent enqueues a Sender/Receiver→Conductor event, such as a
// CreatePublicationImageCommand posted by the Receiver agent on first SETUP
// or data frame.
func (c *Conductor) PostEvent(ev any) bool { return c.events.Push(ev) }

// Responses exposes the to-clients broadcast transmitter, for clients to
// attach a Cursor.
func (c *Conductor) Responses() *ringbuffer.Broadcast[any] { return c.responses }

// Values exposes the shared counters buffer, for clients and metrics to read
// published positions.
func (c *Conductor) Values() *counters.Values { return c.values }

// DutyCycle runs one Conductor tick at time nowNs (spec.md §4.4's five
// numbered steps) and returns the amount of work performed, for the caller's
// idlestrategy.Strategy.Idle to consume (spec.md §5: "invoked when a duty
// cycle did zero work").
func (c *Conductor) DutyCycle(nowNs int64) int {
	work := 0

	work += c.commands.Drain(c.params.CommandDrainLimit, func(cmd any) {
		c.dispatchClientCommand(cmd, nowNs)
	})
	work += c.events.Drain(c.params.CommandDrainLimit, func(ev any) {
		c.dispatchEvent(ev, nowNs)
	})

	for _, e := range c.images {
		e.img.OnTimeEvent(nowNs)
		if e.img.HasReachedEndOfLife() {
			c.removeImage(e)
			work++
		}
	}

	windowLen := c.termWindowLength()
	for _, e := range c.networkPubs {
		if sent := e.pub.SendDutyCycle(nowNs); sent > 0 {
			work++
			c.metrics.RecordBytesSent(int(sent))
		}
		if e.pub.CheckUnblock(nowNs) {
			c.metrics.RecordUnblock()
		}
		e.pub.UpdatePublisherLimit(windowLen)

		if overflow := e.pub.RetransmitOverflowCount(); overflow > e.lastRetransmitOverflow {
			for i := e.lastRetransmitOverflow; i < overflow; i++ {
				c.metrics.RecordRetransmitOverflow()
			}
			e.lastRetransmitOverflow = overflow
		}
	}
	for _, e := range c.ipcPubs {
		if e.pub.CheckUnblock(nowNs) {
			c.metrics.RecordUnblock()
		}
		e.pub.UpdatePublisherLimit(windowLen)
	}

	if nowNs >= c.nextTimerNs {
		c.runTimerSweep(nowNs)
		c.nextTimerNs = nowNs + c.params.TimerIntervalNs
		work++
	}

	c.idle.Idle(work)
	return work
}

// runTimerSweep is spec.md §4.4 step 3: refresh the to-driver ring's
// consumer heartbeat, sweep every managed-resource collection, and unblock a
// stalled producer.
func (c *Conductor) runTimerSweep(nowNs int64) {
	c.commands.Heartbeat(nowNs)

	for id, cl := range c.clients {
		cl.OnTimeEvent(nowNs)
		if cl.HasReachedEndOfLife() {
			cl.Delete()
			delete(c.clients, id)
		}
	}

	for id, e := range c.networkPubs {
		e.pub.OnTimeEvent(nowNs)
		if e.pub.HasReachedEndOfLife() {
			c.removeNetworkPub(id, e)
		}
	}
	for id, e := range c.ipcPubs {
		e.pub.OnTimeEvent(nowNs)
		if e.pub.HasReachedEndOfLife() {
			c.removeIpcPub(id, e)
		}
	}

	if c.commands.IsBlocked() {
		if c.blockedSinceNs == 0 {
			c.blockedSinceNs = nowNs
		} else if nowNs-c.blockedSinceNs >= c.params.ClientLivenessTimeoutNs {
			c.commands.Unblock()
			c.blockedSinceNs = 0
		}
	} else {
		c.blockedSinceNs = 0
	}
}

// termWindowLength computes term_window_length = min(term_length/2,
// configured) (spec.md §3's publisher_limit invariant).
func (c *Conductor) termWindowLength() int64 {
	half := int64(c.params.TermLength) / 2
	if c.params.ConfiguredTermWindowLength > 0 && c.params.ConfiguredTermWindowLength < half {
		return c.params.ConfiguredTermWindowLength
	}
	return half
}

func (c *Conductor) recordError(nowNs int64, errorType, message string) {
	c.errorLog.Record(nowNs, errorType, message)
	if c.logger != nil {
		c.logger.Printf("%s: %s", errorType, message)
	}
}

// ---- command dispatch (spec.md §4.4 command-contract table) ----

func (c *Conductor) dispatchClientCommand(cmd any, nowNs int64) {
	switch v := cmd.(type) {
	case driverproto.AddPublicationCommand:
		c.handleAddPublication(v, nowNs)
	case driverproto.RemovePublicationCommand:
		c.handleRemovePublication(v)
	case driverproto.AddSubscriptionCommand:
		c.handleAddSubscription(v, nowNs)
	case driverproto.RemoveSubscriptionCommand:
		c.handleRemoveSubscription(v)
	case driverproto.AddDestinationCommand:
		c.handleAddDestination(v, nowNs)
	case driverproto.RemoveDestinationCommand:
		c.handleRemoveDestination(v, nowNs)
	case driverproto.ClientKeepaliveCommand:
		c.handleClientKeepalive(v, nowNs)
	default:
		c.recordError(nowNs, "control-protocol", fmt.Sprintf("unrecognized command type %T", cmd))
	}
}

func (c *Conductor) dispatchEvent(ev any, nowNs int64) {
	switch v := ev.(type) {
	case driverproto.CreatePublicationImageCommand:
		c.handleCreatePublicationImage(v, nowNs)
	case driverproto.DataFrameEvent:
		c.handleDataFrameEvent(v, nowNs)
	case driverproto.StatusMessageEvent:
		c.handleStatusMessageEvent(v, nowNs)
	case driverproto.NAKEvent:
		c.handleNAKEvent(v, nowNs)
	case driverproto.RTTReplyEvent:
		c.handleRTTReplyEvent(v)
	default:
		c.recordError(nowNs, "control-protocol", fmt.Sprintf("unrecognized event type %T", ev))
	}
}

// handleDataFrameEvent routes a received Data frame to its image. A frame
// for a session/stream with no (or no longer any) matching image is
// dropped: it either arrived before the triggering Setup frame was
// processed, or the image has already been torn down.
func (c *Conductor) handleDataFrameEvent(ev driverproto.DataFrameEvent, nowNs int64) {
	e := c.imageFor(ev.Canonical, ev.SessionID, ev.StreamID)
	if e == nil {
		return
	}
	if err := e.img.InsertDataFrame(ev.Raw, nowNs); err != nil {
		c.recordError(nowNs, "wire", err.Error())
		return
	}
	c.metrics.RecordBytesReceived(len(ev.Raw))
}

// handleStatusMessageEvent folds a received Status Message into the
// matching publication's flow control (spec.md §4.2).
func (c *Conductor) handleStatusMessageEvent(ev driverproto.StatusMessageEvent, nowNs int64) {
	e := c.networkPubFor(ev.Canonical, ev.SessionID, ev.StreamID)
	if e == nil {
		return
	}
	msg := ev.Msg
	msg.InitialTermID = e.initialTermID
	e.pub.OnStatusMessage(msg, ev.Src, nowNs)
	c.metrics.RecordStatusMessageReceived()
}

// handleNAKEvent forwards a received NAK to the matching publication's
// retransmit handler (spec.md §4.2, §4.5).
func (c *Conductor) handleNAKEvent(ev driverproto.NAKEvent, nowNs int64) {
	e := c.networkPubFor(ev.Canonical, ev.SessionID, ev.StreamID)
	if e == nil {
		return
	}
	e.pub.OnNAK(ev.TermID, ev.TermOffset, ev.Length, nowNs)
	c.metrics.RecordNAKReceived()
}

// handleRTTReplyEvent folds a received RTT Measurement reply into the
// matching image's round-trip-time estimate (SPEC_FULL.md §5: "the
// Conductor tracks round-trip time per image from RTT request/reply
// frames and exposes it as a gauge"). RTT is measured end-to-end from the
// image's own clock: RecvNs (when this reply was read off the wire) minus
// EchoTimestampNs (when the image sent the request), less the time the
// far side spent between receiving the request and replying.
func (c *Conductor) handleRTTReplyEvent(ev driverproto.RTTReplyEvent) {
	e := c.imageFor(ev.Canonical, ev.SessionID, ev.StreamID)
	if e == nil {
		return
	}
	rttNs := ev.RecvNs - ev.EchoTimestampNs - ev.ReceptionDeltaNs
	if rttNs < 0 {
		rttNs = 0
	}
	e.img.RecordRTT(rttNs)
	c.metrics.RecordImageRTT(ev.Canonical, ev.SessionID, ev.StreamID, rttNs)
}

func (c *Conductor) touchClient(clientID, nowNs int64) *clientState {
	cl, ok := c.clients[clientID]
	if !ok {
		cl = &clientState{clientID: clientID, conductor: c}
		c.clients[clientID] = cl
		c.metrics.IncrementClients()
	}
	cl.livenessDeadlineNs = nowNs + c.params.ClientLivenessTimeoutNs
	return cl
}

func (c *Conductor) linkPublicationToClient(clientID, registrationID int64) {
	set, ok := c.clientPubs[clientID]
	if !ok {
		set = make(map[int64]bool)
		c.clientPubs[clientID] = set
	}
	set[registrationID] = true
}

func (c *Conductor) linkSubscriptionToClient(clientID, registrationID int64) {
	set, ok := c.clientSubs[clientID]
	if !ok {
		set = make(map[int64]bool)
		c.clientSubs[clientID] = set
	}
	set[registrationID] = true
}

func (c *Conductor) replyOK(correlationID int64) {
	c.responses.Transmit(driverproto.OKResponse{CorrelationID: correlationID})
}

func (c *Conductor) replyError(correlationID int64, code driverproto.ErrorCode, msg string) {
	c.responses.Transmit(driverproto.ErrorResponse{CorrelationID: correlationID, Code: code, Message: msg})
}

func (c *Conductor) logFileName(sessionID, streamID int32, registrationID int64) string {
	return fmt.Sprintf("%d-%d-%d.logbuffer", sessionID, streamID, registrationID)
}

func (c *Conductor) allocateSessionID() int32 {
	for {
		id := c.nextSessionID
		c.nextSessionID++
		if !c.liveSessionIDs[id] {
			return id
		}
	}
}

func (c *Conductor) allocateInitialTermID() int32 {
	id := c.nextInitialTermID
	c.nextInitialTermID++
	return id
}

func (c *Conductor) nextReceiverIDValue() int64 {
	c.nextReceiverID++
	return c.nextReceiverID
}

func (c *Conductor) newFlowControlStrategy(uri chanuri.URI) flowcontrol.Strategy {
	switch uri.ControlMode() {
	case chanuri.ControlModeManual, chanuri.ControlModeDynamic:
		if tags := uri.Tags(); len(tags) > 0 {
			return flowcontrol.NewMulticastTagged(tags[0])
		}
		return flowcontrol.NewMulticastMin()
	default:
		return flowcontrol.NewUnicast()
	}
}

func (c *Conductor) newDelayGenerator(uri chanuri.URI) retransmit.DelayGenerator {
	switch uri.ControlMode() {
	case chanuri.ControlModeManual, chanuri.ControlModeDynamic:
		return retransmit.MulticastDelay{MaxDelayNs: c.params.MulticastNAKDelayNs}
	default:
		return retransmit.UnicastDelay{}
	}
}

// ---- AddPublication / RemovePublication ----

func (c *Conductor) handleAddPublication(cmd driverproto.AddPublicationCommand, nowNs int64) {
	c.touchClient(cmd.ClientID, nowNs)

	uri, err := chanuri.Parse(cmd.Channel)
	if err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, err.Error())
		c.recordError(nowNs, "control-protocol", err.Error())
		return
	}

	if uri.Media == chanuri.MediaIPC {
		c.addIpcPublication(cmd, nowNs)
		return
	}
	c.addNetworkPublication(cmd, uri, nowNs)
}

func (c *Conductor) findActiveNetworkPub(canonical string, streamID int32) *networkPubEntry {
	for _, e := range c.networkPubs {
		if e.canonical == canonical && e.streamID == streamID && !e.exclusive && e.pub.State() == networkpublication.StateActive {
			return e
		}
	}
	return nil
}

func (c *Conductor) networkPubsMatching(canonical string, streamID int32) []*networkPubEntry {
	var out []*networkPubEntry
	for _, e := range c.networkPubs {
		if e.canonical == canonical && e.streamID == streamID {
			out = append(out, e)
		}
	}
	return out
}

func (c *Conductor) addNetworkPublication(cmd driverproto.AddPublicationCommand, uri chanuri.URI, nowNs int64) {
	canonical := uri.Canonical()

	if !cmd.Exclusive {
		if existing := c.findActiveNetworkPub(canonical, cmd.StreamID); existing != nil {
			termLength := uri.IntParam("term-length", c.params.TermLength)
			mtuLength := uri.IntParam("mtu", c.params.MTULength)
			if existing.termLength != termLength || existing.mtuLength != mtuLength {
				c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, "requested params do not match existing publication")
				return
			}
			existing.pub.IncrementRefcount()
			c.linkPublicationToClient(cmd.ClientID, existing.registrationID)
			c.replyPublicationReady(cmd.CorrelationID, existing)
			return
		}
	}

	ep, err := c.endpoints.AcquireSend(uri)
	if err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, "cannot bind send endpoint")
		c.recordError(nowNs, "resource", err.Error())
		return
	}
	c.startSendEndpointReader(ep, canonical)

	sessionID := c.allocateSessionID()
	initialTermID := c.allocateInitialTermID()
	termLength := uri.IntParam("term-length", c.params.TermLength)
	mtuLength := uri.IntParam("mtu", c.params.MTULength)
	registrationID := c.nextRegistrationID
	c.nextRegistrationID++

	lb := logbuffer.New(initialTermID, mtuLength, termLength, cmd.CorrelationID, sessionID, cmd.StreamID)

	statusCounterID := c.values.Allocate(counters.LabelChannelStatus, int64(ep.Status()))
	limitID := c.values.Allocate(counters.LabelPublisherLimit, 0)
	senderPosID := c.values.Allocate(counters.LabelSenderPosition, 0)

	statusCounter := counters.NewPosition(c.values, statusCounterID)
	limitCounter := counters.NewPosition(c.values, limitID)
	senderPosCounter := counters.NewPosition(c.values, senderPosID)

	fc := c.newFlowControlStrategy(uri)
	delay := c.newDelayGenerator(uri)

	pub := networkpublication.New(networkpublication.Params{
		SessionID:                     sessionID,
		StreamID:                      cmd.StreamID,
		InitialTermID:                 initialTermID,
		TermLength:                    termLength,
		MTULength:                     mtuLength,
		CorrelationID:                 cmd.CorrelationID,
		RegistrationID:                registrationID,
		Exclusive:                     cmd.Exclusive,
		PublicationLingerNs:           c.params.PublicationLingerNs,
		PublicationSetupTimeoutNs:     c.params.PublicationSetupTimeoutNs,
		PublicationHeartbeatTimeoutNs: c.params.PublicationHeartbeatTimeoutNs,
		PublicationUnblockTimeoutNs:   c.params.PublicationUnblockTimeoutNs,
	}, lb, ep, fc, delay, func() {
		c.endpoints.ReleaseSend(ep)
	})
	pub.BindPositions(senderPosCounter, limitCounter)

	entry := &networkPubEntry{
		pub:                   pub,
		endpointRef:           ep,
		canonical:             canonical,
		streamID:              cmd.StreamID,
		exclusive:             cmd.Exclusive,
		sessionID:             sessionID,
		registrationID:        registrationID,
		termLength:            termLength,
		mtuLength:             mtuLength,
		initialTermID:         initialTermID,
		logFileName:           c.logFileName(sessionID, cmd.StreamID, registrationID),
		channelStatusCounter:  statusCounter,
		limitCounter:          limitCounter,
		senderPositionCounter: senderPosCounter,
		spyPositions:          make(map[int64]counters.Position),
	}
	c.networkPubs[registrationID] = entry
	c.liveSessionIDs[sessionID] = true
	c.linkPublicationToClient(cmd.ClientID, registrationID)
	c.metrics.IncrementPublications()

	for _, sub := range c.subsMatching(driverproto.SubscriptionSpy, canonical, cmd.StreamID) {
		c.linkSpyToNetworkPub(sub, entry)
	}

	c.replyPublicationReady(cmd.CorrelationID, entry)
}

func (c *Conductor) findActiveIpcPub(streamID int32) *ipcPubEntry {
	for _, e := range c.ipcPubs {
		if e.streamID == streamID && !e.exclusive && e.pub.State() == ipcpublication.StateActive {
			return e
		}
	}
	return nil
}

func (c *Conductor) addIpcPublication(cmd driverproto.AddPublicationCommand, nowNs int64) {
	const canonical = "aeron:ipc"

	if !cmd.Exclusive {
		if existing := c.findActiveIpcPub(cmd.StreamID); existing != nil {
			existing.pub.IncrementRefcount()
			c.linkPublicationToClient(cmd.ClientID, existing.registrationID)
			c.replyIpcPublicationReady(cmd.CorrelationID, existing)
			return
		}
	}

	sessionID := c.allocateSessionID()
	initialTermID := c.allocateInitialTermID()
	registrationID := c.nextRegistrationID
	c.nextRegistrationID++

	lb := logbuffer.New(initialTermID, c.params.MTULength, c.params.TermLength, cmd.CorrelationID, sessionID, cmd.StreamID)

	statusCounterID := c.values.Allocate(counters.LabelChannelStatus, int64(endpoint.StatusActive))
	limitID := c.values.Allocate(counters.LabelPublisherLimit, 0)
	statusCounter := counters.NewPosition(c.values, statusCounterID)
	limitCounter := counters.NewPosition(c.values, limitID)

	pub := ipcpublication.New(ipcpublication.Params{
		SessionID:           sessionID,
		StreamID:            cmd.StreamID,
		InitialTermID:       initialTermID,
		TermLength:          c.params.TermLength,
		MTULength:           c.params.MTULength,
		CorrelationID:       cmd.CorrelationID,
		RegistrationID:      registrationID,
		Exclusive:           cmd.Exclusive,
		PublicationLingerNs: c.params.PublicationLingerNs,
		UnblockTimeoutNs:    c.params.PublicationUnblockTimeoutNs,
	}, lb, func() {})
	pub.BindPublisherLimit(limitCounter)

	entry := &ipcPubEntry{
		pub:                  pub,
		canonical:            canonical,
		streamID:             cmd.StreamID,
		exclusive:            cmd.Exclusive,
		sessionID:            sessionID,
		registrationID:       registrationID,
		logFileName:          c.logFileName(sessionID, cmd.StreamID, registrationID),
		channelStatusCounter: statusCounter,
		limitCounter:         limitCounter,
		subscriberPositions:  make(map[int64]counters.Position),
	}
	c.ipcPubs[registrationID] = entry
	c.liveSessionIDs[sessionID] = true
	c.linkPublicationToClient(cmd.ClientID, registrationID)
	c.metrics.IncrementPublications()

	for _, sub := range c.subsMatching(driverproto.SubscriptionIPC, canonical, cmd.StreamID) {
		c.linkSubscriptionToIpcPub(sub, entry)
	}

	c.replyIpcPublicationReady(cmd.CorrelationID, entry)
}

func (c *Conductor) handleRemovePublication(cmd driverproto.RemovePublicationCommand) {
	if e, ok := c.networkPubs[cmd.RegistrationID]; ok {
		e.pub.DecrementRefcount()
		c.replyOK(cmd.CorrelationID)
		return
	}
	if e, ok := c.ipcPubs[cmd.RegistrationID]; ok {
		e.pub.DecrementRefcount()
		c.replyOK(cmd.CorrelationID)
		return
	}
	c.replyError(cmd.CorrelationID, driverproto.ErrorUnknownPublication, "unknown publication")
}

func (c *Conductor) removeNetworkPub(registrationID int64, e *networkPubEntry) {
	e.pub.Delete()
	c.metrics.DecrementPublications()
	c.values.Free(e.channelStatusCounter.ID())
	c.values.Free(e.limitCounter.ID())
	c.values.Free(e.senderPositionCounter.ID())
	for regID, pos := range e.spyPositions {
		c.values.Free(pos.ID())
		if sub, ok := c.subs[regID]; ok {
			delete(sub.linkedNetworkPubs, registrationID)
			delete(sub.positions, registrationID)
		}
	}
	delete(c.liveSessionIDs, e.sessionID)
	delete(c.networkPubs, registrationID)
}

func (c *Conductor) removeIpcPub(registrationID int64, e *ipcPubEntry) {
	e.pub.Delete()
	c.metrics.DecrementPublications()
	c.values.Free(e.channelStatusCounter.ID())
	c.values.Free(e.limitCounter.ID())
	for regID, pos := range e.subscriberPositions {
		c.values.Free(pos.ID())
		if sub, ok := c.subs[regID]; ok {
			delete(sub.linkedIpcPubs, registrationID)
			delete(sub.positions, registrationID)
		}
	}
	delete(c.liveSessionIDs, e.sessionID)
	delete(c.ipcPubs, registrationID)
}

func (c *Conductor) replyPublicationReady(correlationID int64, e *networkPubEntry) {
	c.responses.Transmit(driverproto.PublicationReadyResponse{
		CorrelationID:    correlationID,
		RegistrationID:   e.registrationID,
		SessionID:        e.sessionID,
		StreamID:         e.streamID,
		LogFileName:      e.logFileName,
		PublisherLimitID: e.limitCounter.ID(),
		ChannelStatusID:  e.channelStatusCounter.ID(),
	})
}

func (c *Conductor) replyIpcPublicationReady(correlationID int64, e *ipcPubEntry) {
	c.responses.Transmit(driverproto.PublicationReadyResponse{
		CorrelationID:    correlationID,
		RegistrationID:   e.registrationID,
		SessionID:        e.sessionID,
		StreamID:         e.streamID,
		LogFileName:      e.logFileName,
		PublisherLimitID: e.limitCounter.ID(),
		ChannelStatusID:  e.channelStatusCounter.ID(),
	})
}

// ---- AddSubscription / RemoveSubscription ----

func (c *Conductor) reliabilityConflict(canonical string, streamID int32, reliable bool) bool {
	for _, sub := range c.subs {
		if sub.canonical == canonical && sub.streamID == streamID && sub.reliable != reliable {
			return true
		}
	}
	return false
}

func (c *Conductor) imagesMatching(canonical string, streamID int32) []*imageEntry {
	var out []*imageEntry
	for _, e := range c.images {
		if e.canonical == canonical && e.streamID == streamID {
			out = append(out, e)
		}
	}
	return out
}

// imageFor finds the one image a received Data or Setup frame belongs to,
// keyed by the full (canonical, session, stream) tuple the wire frame
// carries (spec.md §4.3).
func (c *Conductor) imageFor(canonical string, sessionID, streamID int32) *imageEntry {
	for _, e := range c.images {
		if e.canonical == canonical && e.sessionID == sessionID && e.streamID == streamID {
			return e
		}
	}
	return nil
}

// networkPubFor finds the one publication a received Status Message or
// NAK frame answers.
func (c *Conductor) networkPubFor(canonical string, sessionID, streamID int32) *networkPubEntry {
	for _, e := range c.networkPubs {
		if e.canonical == canonical && e.sessionID == sessionID && e.streamID == streamID {
			return e
		}
	}
	return nil
}

func (c *Conductor) ipcPubsMatching(canonical string, streamID int32) []*ipcPubEntry {
	var out []*ipcPubEntry
	for _, e := range c.ipcPubs {
		if e.canonical == canonical && e.streamID == streamID {
			out = append(out, e)
		}
	}
	return out
}

// subsMatching returns every subscription of the given kind whose channel
// and stream match, used to link a freshly created image/publication
// against subscriptions that arrived first.
func (c *Conductor) subsMatching(kind driverproto.SubscriptionKind, canonical string, streamID int32) []*subscriptionEntry {
	var out []*subscriptionEntry
	for _, sub := range c.subs {
		if sub.kind == kind && sub.canonical == canonical && sub.streamID == streamID {
			out = append(out, sub)
		}
	}
	return out
}

func (c *Conductor) handleAddSubscription(cmd driverproto.AddSubscriptionCommand, nowNs int64) {
	c.touchClient(cmd.ClientID, nowNs)

	uri, err := chanuri.Parse(cmd.Channel)
	if err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, err.Error())
		c.recordError(nowNs, "control-protocol", err.Error())
		return
	}
	canonical := uri.Canonical()

	if cmd.Kind != driverproto.SubscriptionSpy && c.reliabilityConflict(canonical, cmd.StreamID, cmd.Reliable) {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric,
			fmt.Sprintf("Option conflicts with existing subscriptions: reliable=%t", cmd.Reliable))
		return
	}

	registrationID := c.nextRegistrationID
	c.nextRegistrationID++
	sub := newSubscriptionEntry(registrationID, cmd.ClientID, cmd.Kind, canonical, cmd.StreamID, cmd.Reliable)

	switch cmd.Kind {
	case driverproto.SubscriptionNetwork:
		ep, err := c.endpoints.AcquireReceive(uri)
		if err != nil {
			c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, "cannot bind receive endpoint")
			c.recordError(nowNs, "resource", err.Error())
			return
		}
		c.startReceiveEndpoint(ep, canonical)
		sub.receiveEndpoint = ep
		c.subs[registrationID] = sub
		for _, img := range c.imagesMatching(canonical, cmd.StreamID) {
			c.linkSubscriptionToImage(sub, img)
		}
	case driverproto.SubscriptionIPC:
		c.subs[registrationID] = sub
		for _, e := range c.ipcPubsMatching(canonical, cmd.StreamID) {
			c.linkSubscriptionToIpcPub(sub, e)
		}
	case driverproto.SubscriptionSpy:
		c.subs[registrationID] = sub
		for _, e := range c.networkPubsMatching(canonical, cmd.StreamID) {
			c.linkSpyToNetworkPub(sub, e)
		}
	default:
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, "unrecognized subscription kind")
		return
	}

	statusCounterID := c.values.Allocate(counters.LabelChannelStatus, int64(endpoint.StatusActive))
	sub.channelStatusCounter = counters.NewPosition(c.values, statusCounterID)
	c.linkSubscriptionToClient(cmd.ClientID, registrationID)
	c.metrics.IncrementSubscriptions()

	c.responses.Transmit(driverproto.SubscriptionReadyResponse{
		CorrelationID:   cmd.CorrelationID,
		RegistrationID:  registrationID,
		ChannelStatusID: sub.channelStatusCounter.ID(),
	})
}

func (c *Conductor) handleRemoveSubscription(cmd driverproto.RemoveSubscriptionCommand) {
	sub, ok := c.subs[cmd.RegistrationID]
	if !ok {
		c.replyError(cmd.CorrelationID, driverproto.ErrorUnknownSubscription, "unknown subscription")
		return
	}
	c.unlinkSubscription(sub)
	if sub.receiveEndpoint != nil {
		c.endpoints.ReleaseReceive(sub.receiveEndpoint)
	}
	delete(c.subs, cmd.RegistrationID)
	if set, ok := c.clientSubs[sub.clientID]; ok {
		delete(set, cmd.RegistrationID)
	}
	c.metrics.DecrementSubscriptions()
	c.replyOK(cmd.CorrelationID)
}

func (c *Conductor) unlinkSubscription(sub *subscriptionEntry) {
	for regID, img := range sub.linkedImages {
		if pos, ok := sub.positions[regID]; ok {
			c.values.Free(pos.ID())
		}
		delete(img.subscriberPositions, sub.registrationID)
		img.applySubscriberPositions()
	}
	for regID, e := range sub.linkedIpcPubs {
		if pos, ok := sub.positions[regID]; ok {
			c.values.Free(pos.ID())
		}
		delete(e.subscriberPositions, sub.registrationID)
		e.applySubscriberPositions()
	}
	for regID, e := range sub.linkedNetworkPubs {
		if pos, ok := sub.positions[regID]; ok {
			c.values.Free(pos.ID())
		}
		delete(e.spyPositions, sub.registrationID)
		e.applySpyPositions()
	}
	c.values.Free(sub.channelStatusCounter.ID())
}

func (c *Conductor) linkSubscriptionToImage(sub *subscriptionEntry, e *imageEntry) {
	posID := c.values.Allocate(counters.LabelSubscriberPosition, e.img.RebuildPosition())
	pos := counters.NewPosition(c.values, posID)
	sub.positions[e.registrationID] = pos
	sub.linkedImages[e.registrationID] = e
	e.subscriberPositions[sub.registrationID] = pos
	e.applySubscriberPositions()

	c.responses.Transmit(driverproto.AvailableImageResponse{
		SubscriptionRegistrationID: sub.registrationID,
		SessionID:                  e.sessionID,
		StreamID:                   e.streamID,
		LogFileName:                e.logFileName,
		SourceIdentity:             e.img.SourceIdentity(),
		SubscriberPositionID:       pos.ID(),
	})
}

func (c *Conductor) linkSubscriptionToIpcPub(sub *subscriptionEntry, e *ipcPubEntry) {
	posID := c.values.Allocate(counters.LabelSubscriberPosition, e.pub.ProducerPosition())
	pos := counters.NewPosition(c.values, posID)
	sub.positions[e.registrationID] = pos
	sub.linkedIpcPubs[e.registrationID] = e
	e.subscriberPositions[sub.registrationID] = pos
	e.applySubscriberPositions()

	c.responses.Transmit(driverproto.AvailableImageResponse{
		SubscriptionRegistrationID: sub.registrationID,
		SessionID:                  e.sessionID,
		StreamID:                   e.streamID,
		LogFileName:                e.logFileName,
		SourceIdentity:             "aeron:ipc",
		SubscriberPositionID:       pos.ID(),
	})
}

func (c *Conductor) linkSpyToNetworkPub(sub *subscriptionEntry, e *networkPubEntry) {
	posID := c.values.Allocate(counters.LabelSpyPosition, e.pub.ProducerPosition())
	pos := counters.NewPosition(c.values, posID)
	sub.positions[e.registrationID] = pos
	sub.linkedNetworkPubs[e.registrationID] = e
	e.spyPositions[sub.registrationID] = pos
	e.applySpyPositions()

	c.responses.Transmit(driverproto.AvailableImageResponse{
		SubscriptionRegistrationID: sub.registrationID,
		SessionID:                  e.sessionID,
		StreamID:                   e.streamID,
		LogFileName:                e.logFileName,
		SourceIdentity:             "spy:" + e.canonical,
		SubscriberPositionID:       pos.ID(),
	})
}

// ---- AddDestination / RemoveDestination ----

func (c *Conductor) handleAddDestination(cmd driverproto.AddDestinationCommand, nowNs int64) {
	e, ok := c.networkPubs[cmd.PublicationRegistrationID]
	if !ok {
		c.replyError(cmd.CorrelationID, driverproto.ErrorUnknownPublication, "unknown publication")
		return
	}
	destURI, err := chanuri.Parse(cmd.DestinationChannel)
	if err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, err.Error())
		return
	}
	if err := e.pub.Endpoint().AddDestination(destURI); err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, err.Error())
		c.recordError(nowNs, "invariant", err.Error())
		return
	}
	c.replyOK(cmd.CorrelationID)
}

func (c *Conductor) handleRemoveDestination(cmd driverproto.RemoveDestinationCommand, nowNs int64) {
	e, ok := c.networkPubs[cmd.PublicationRegistrationID]
	if !ok {
		c.replyError(cmd.CorrelationID, driverproto.ErrorUnknownPublication, "unknown publication")
		return
	}
	destURI, err := chanuri.Parse(cmd.DestinationChannel)
	if err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, err.Error())
		return
	}
	if err := e.pub.Endpoint().RemoveDestination(destURI); err != nil {
		c.replyError(cmd.CorrelationID, driverproto.ErrorGeneric, err.Error())
		c.recordError(nowNs, "invariant", err.Error())
		return
	}
	c.replyOK(cmd.CorrelationID)
}

// ---- ClientKeepalive ----

func (c *Conductor) handleClientKeepalive(cmd driverproto.ClientKeepaliveCommand, nowNs int64) {
	c.touchClient(cmd.ClientID, nowNs)
}

// reapClient is only reached through clientState.Delete, itself only
// called once a client's liveness deadline has passed (spec.md §4.4
// ClientKeepalive) — every reap is therefore a timeout.
func (c *Conductor) reapClient(clientID int64) {
	c.metrics.DecrementClients()
	c.metrics.RecordClientTimeout()

	for regID := range c.clientPubs[clientID] {
		if e, ok := c.networkPubs[regID]; ok {
			e.pub.DecrementRefcount()
		} else if e, ok := c.ipcPubs[regID]; ok {
			e.pub.DecrementRefcount()
		}
	}
	delete(c.clientPubs, clientID)

	for regID := range c.clientSubs[clientID] {
		if sub, ok := c.subs[regID]; ok {
			c.unlinkSubscription(sub)
			if sub.receiveEndpoint != nil {
				c.endpoints.ReleaseReceive(sub.receiveEndpoint)
			}
			delete(c.subs, regID)
		}
	}
	delete(c.clientSubs, clientID)
}

// ---- CreatePublicationImage (posted by the Receiver agent) ----

func (c *Conductor) handleCreatePublicationImage(cmd driverproto.CreatePublicationImageCommand, nowNs int64) {
	canonical := cmd.Endpoint.Canonical()

	// A Setup frame keeps arriving until the image is connected, so the
	// receive loop posts this event on every one it sees; only the first
	// for a given (canonical, session, stream) actually creates an image.
	if c.imageFor(canonical, cmd.SessionID, cmd.StreamID) != nil {
		return
	}

	ep, err := c.endpoints.AcquireReceive(cmd.Endpoint)
	if err != nil {
		c.recordError(nowNs, "resource", err.Error())
		return
	}
	c.startReceiveEndpoint(ep, canonical)

	sourceAddr, err := net.ResolveUDPAddr("udp", cmd.SourceAddr)
	if err != nil {
		c.endpoints.ReleaseReceive(ep)
		c.recordError(nowNs, "resource", err.Error())
		return
	}

	registrationID := c.nextRegistrationID
	c.nextRegistrationID++

	lb := logbuffer.New(cmd.InitialTermID, cmd.MTULength, cmd.TermLength, registrationID, cmd.SessionID, cmd.StreamID)

	img := publicationimage.New(publicationimage.Params{
		SessionID:                    cmd.SessionID,
		StreamID:                     cmd.StreamID,
		InitialTermID:                cmd.InitialTermID,
		TermLength:                   cmd.TermLength,
		MTULength:                    cmd.MTULength,
		CorrelationID:                registrationID,
		RegistrationID:               registrationID,
		ReceiverID:                   c.nextReceiverIDValue(),
		SourceIdentity:               cmd.SourceAddr,
		ReceiverWindow:               c.params.ReceiverWindow,
		ImageLivenessTimeoutNs:       c.params.ImageLivenessTimeoutNs,
		StatusMessageTimeoutNs:       c.params.StatusMessageTimeoutNs,
		SendToStatusMessagePollRatio: c.params.SendToStatusMessagePollRatio,
		RTTMeasurementTimeoutNs:      c.params.RTTMeasurementTimeoutNs,
	}, lb, ep.Conn(), sourceAddr, c.newDelayGenerator(cmd.Endpoint), nowNs, func() {
		c.endpoints.ReleaseReceive(ep)
	})

	entry := &imageEntry{
		img:                 img,
		registrationID:      registrationID,
		canonical:           canonical,
		streamID:            cmd.StreamID,
		sessionID:           cmd.SessionID,
		logFileName:         c.logFileName(cmd.SessionID, cmd.StreamID, registrationID),
		subscriberPositions: make(map[int64]counters.Position),
	}
	c.images[registrationID] = entry
	c.liveSessionIDs[cmd.SessionID] = true
	c.metrics.IncrementImages()

	for _, sub := range c.subsMatching(driverproto.SubscriptionNetwork, canonical, cmd.StreamID) {
		c.linkSubscriptionToImage(sub, entry)
	}
}

func (c *Conductor) removeImage(e *imageEntry) {
	for regID, pos := range e.subscriberPositions {
		c.values.Free(pos.ID())
		if sub, ok := c.subs[regID]; ok {
			delete(sub.linkedImages, e.registrationID)
			delete(sub.positions, e.registrationID)
			c.responses.Transmit(driverproto.UnavailableImageResponse{
				SubscriptionRegistrationID: sub.registrationID,
				SessionID:                  e.sessionID,
				StreamID:                   e.streamID,
			})
		}
	}
	e.img.Delete()
	delete(c.liveSessionIDs, e.sessionID)
	delete(c.images, e.registrationID)
	c.metrics.DecrementImages()
}
