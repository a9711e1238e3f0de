package conductor

import (
	"io"
	"log"
	"testing"

	"github.com/aeronio/mediadriver/internal/driverlog"
	"github.com/aeronio/mediadriver/internal/driverproto"
	"github.com/aeronio/mediadriver/internal/idlestrategy"
	"github.com/aeronio/mediadriver/internal/ipcpublication"
	"github.com/aeronio/mediadriver/internal/ringbuffer"
)

func newTestConductor() *Conductor {
	params := Params{
		TermLength:                    1 << 16,
		MTULength:                     1408,
		ReceiverWindow:                1 << 17,
		ConfiguredTermWindowLength:    0,
		ClientLivenessTimeoutNs:       5_000_000_000,
		ImageLivenessTimeoutNs:        5_000_000_000,
		PublicationUnblockTimeoutNs:   10_000_000_000,
		PublicationSetupTimeoutNs:     5_000_000_000,
		PublicationHeartbeatTimeoutNs: 2_000_000_000,
		StatusMessageTimeoutNs:        200_000_000,
		PublicationLingerNs:           5_000_000_000,
		TimerIntervalNs:               1_000_000_000,
		CommandDrainLimit:             16,
		SendToStatusMessagePollRatio: 4,
		SessionIDSeed:                 1000,
		InitialTermIDSeed:             0,
	}
	commands := ringbuffer.NewCommandRing[any](16)
	events := ringbuffer.NewQueue[any](16)
	responses := ringbuffer.NewBroadcast[any](64)
	return New(log.New(io.Discard, "", 0), driverlog.New(16, nil), params, commands, events, responses, idlestrategy.BusySpin{}, nil)
}

func drainResponses(c *Conductor, cur *ringbuffer.Cursor[any]) []any {
	var out []any
	for {
		v, ok := cur.Next()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out
}

func TestAddPublicationNonExclusiveSharesInstance(t *testing.T) {
	c := newTestConductor()
	cur := c.Responses().NewCursor()

	c.PostClientCommand(driverproto.AddPublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 1, ClientID: 1},
		Channel:           "aeron:udp?endpoint=localhost:40001",
		StreamID:          10,
	})
	c.DutyCycle(0)

	c.PostClientCommand(driverproto.AddPublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 2, ClientID: 2},
		Channel:           "aeron:udp?endpoint=localhost:40001",
		StreamID:          10,
	})
	c.DutyCycle(0)

	if len(c.networkPubs) != 1 {
		t.Fatalf("networkPubs = %d, want 1 (non-exclusive publications to the same channel+stream share an instance)", len(c.networkPubs))
	}

	replies := drainResponses(c, cur)
	if len(replies) != 2 {
		t.Fatalf("got %d responses, want 2", len(replies))
	}
	r1, ok := replies[0].(driverproto.PublicationReadyResponse)
	if !ok {
		t.Fatalf("reply 0 = %#v, want PublicationReadyResponse", replies[0])
	}
	r2, ok := replies[1].(driverproto.PublicationReadyResponse)
	if !ok {
		t.Fatalf("reply 1 = %#v, want PublicationReadyResponse", replies[1])
	}
	if r1.RegistrationID != r2.RegistrationID {
		t.Fatalf("registration ids differ: %d vs %d, want identical for shared publication", r1.RegistrationID, r2.RegistrationID)
	}
}

func TestAddPublicationExclusiveGetsOwnInstance(t *testing.T) {
	c := newTestConductor()

	c.PostClientCommand(driverproto.AddPublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 1, ClientID: 1},
		Channel:           "aeron:udp?endpoint=localhost:40002",
		StreamID:          11,
		Exclusive:         true,
	})
	c.DutyCycle(0)
	c.PostClientCommand(driverproto.AddPublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 2, ClientID: 2},
		Channel:           "aeron:udp?endpoint=localhost:40002",
		StreamID:          11,
		Exclusive:         true,
	})
	c.DutyCycle(0)

	if len(c.networkPubs) != 2 {
		t.Fatalf("networkPubs = %d, want 2 (exclusive publications never share)", len(c.networkPubs))
	}
}

func TestRemovePublicationUnknownReturnsError(t *testing.T) {
	c := newTestConductor()
	cur := c.Responses().NewCursor()

	c.PostClientCommand(driverproto.RemovePublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 1, ClientID: 1},
		RegistrationID:    999,
	})
	c.DutyCycle(0)

	replies := drainResponses(c, cur)
	if len(replies) != 1 {
		t.Fatalf("got %d responses, want 1", len(replies))
	}
	errResp, ok := replies[0].(driverproto.ErrorResponse)
	if !ok {
		t.Fatalf("reply = %#v, want ErrorResponse", replies[0])
	}
	if errResp.Code != driverproto.ErrorUnknownPublication {
		t.Fatalf("Code = %v, want ErrorUnknownPublication", errResp.Code)
	}
}

func TestAddSubscriptionReliabilityConflictRejected(t *testing.T) {
	c := newTestConductor()
	cur := c.Responses().NewCursor()

	c.PostClientCommand(driverproto.AddSubscriptionCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 1, ClientID: 1},
		Kind:              driverproto.SubscriptionNetwork,
		Channel:           "aeron:udp?endpoint=localhost:40010",
		StreamID:          20,
		Reliable:          true,
	})
	c.DutyCycle(0)

	c.PostClientCommand(driverproto.AddSubscriptionCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 2, ClientID: 2},
		Kind:              driverproto.SubscriptionNetwork,
		Channel:           "aeron:udp?endpoint=localhost:40010",
		StreamID:          20,
		Reliable:          false,
	})
	c.DutyCycle(0)

	replies := drainResponses(c, cur)
	if len(replies) != 2 {
		t.Fatalf("got %d responses, want 2", len(replies))
	}
	if _, ok := replies[0].(driverproto.SubscriptionReadyResponse); !ok {
		t.Fatalf("reply 0 = %#v, want SubscriptionReadyResponse", replies[0])
	}
	errResp, ok := replies[1].(driverproto.ErrorResponse)
	if !ok {
		t.Fatalf("reply 1 = %#v, want ErrorResponse", replies[1])
	}
	if errResp.Code != driverproto.ErrorGeneric {
		t.Fatalf("Code = %v, want ErrorGeneric", errResp.Code)
	}
}

func TestIpcSubscriptionLinksToExistingPublication(t *testing.T) {
	c := newTestConductor()
	cur := c.Responses().NewCursor()

	c.PostClientCommand(driverproto.AddPublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 1, ClientID: 1},
		Channel:           "aeron:ipc",
		StreamID:          30,
	})
	c.DutyCycle(0)

	c.PostClientCommand(driverproto.AddSubscriptionCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 2, ClientID: 2},
		Kind:              driverproto.SubscriptionIPC,
		Channel:           "aeron:ipc",
		StreamID:          30,
		Reliable:          true,
	})
	c.DutyCycle(0)

	replies := drainResponses(c, cur)
	var sawAvailable bool
	for _, r := range replies {
		if _, ok := r.(driverproto.AvailableImageResponse); ok {
			sawAvailable = true
		}
	}
	if !sawAvailable {
		t.Fatalf("replies = %#v, want an AvailableImageResponse for the linked ipc publication", replies)
	}

	if len(c.ipcPubs) != 1 {
		t.Fatalf("ipcPubs = %d, want 1", len(c.ipcPubs))
	}
	for _, e := range c.ipcPubs {
		if len(e.subscriberPositions) != 1 {
			t.Fatalf("subscriberPositions = %d, want 1", len(e.subscriberPositions))
		}
	}
}

func TestClientKeepaliveTimeoutReapsOwnedPublication(t *testing.T) {
	c := newTestConductor()
	c.params.ClientLivenessTimeoutNs = 1_000_000_000
	c.params.TimerIntervalNs = 100_000_000

	c.PostClientCommand(driverproto.AddPublicationCommand{
		CorrelatedCommand: driverproto.CorrelatedCommand{CorrelationID: 1, ClientID: 7},
		Channel:           "aeron:ipc",
		StreamID:          40,
	})
	c.DutyCycle(0)

	if len(c.ipcPubs) != 1 {
		t.Fatalf("ipcPubs = %d, want 1 before timeout", len(c.ipcPubs))
	}

	// Advance past the client liveness deadline; the timer sweep should
	// reap the client and decrement its owned publication's refcount to
	// zero, moving it into DRAINING and eventually off the map.
	c.DutyCycle(2_000_000_000)

	if _, ok := c.clients[7]; ok {
		t.Fatalf("client 7 still present after its liveness deadline elapsed")
	}
	for _, e := range c.ipcPubs {
		if e.pub.State() == ipcpublication.StateActive {
			t.Fatalf("owned publication still ACTIVE after its client was reaped")
		}
	}
}

func TestSessionIDAllocationSkipsLiveIDs(t *testing.T) {
	c := newTestConductor()
	c.liveSessionIDs[c.nextSessionID] = true
	reserved := c.nextSessionID

	id := c.allocateSessionID()
	if id == reserved {
		t.Fatalf("allocateSessionID() = %d, want a value other than the already-live %d", id, reserved)
	}
	if c.liveSessionIDs[id] {
		t.Fatalf("allocateSessionID() returned %d, which is already marked live", id)
	}
}
