// Package endpoint implements the Send/Receive Channel Endpoints of
// spec.md §4 item 8 and §3: UDP sockets shared by every stream that
// multiplexes onto the same canonical channel URI, refcounted so the
// last departing stream closes the socket.
//
// Grounded on internal/server/server.go's setupHTTPServer
// listener-lifecycle pattern (bind once up front, hand the listener to
// higher-level owners, close on shutdown), ported from one HTTP listener
// to many refcounted UDP sockets keyed by canonical channel URI.
package endpoint

import (
	"fmt"
	"net"
	"sync"

	"github.com/aeronio/mediadriver/internal/chanuri"
)

// ChannelStatus mirrors the channel_status_counter_id states
// (SPEC_FULL.md §5): an endpoint starts INITIALIZING while its socket is
// being bound, becomes ACTIVE once bound, or ERRORED if binding failed.
type ChannelStatus int32

const (
	StatusInitializing ChannelStatus = iota
	StatusActive
	StatusErrored
)

// SendChannelEndpoint is a shared outbound UDP socket for every
// NetworkPublication on the same canonical channel (spec.md §4 item 8).
type SendChannelEndpoint struct {
	mu           sync.Mutex
	canonical    string
	conn         net.PacketConn
	primaryAddr  net.Addr
	refcount     int
	status       ChannelStatus
	manualMDC    bool
	destinations map[string]net.Addr // MDC secondary destinations (SPEC_FULL.md §5)
}

// ReceiveChannelEndpoint is a shared inbound UDP socket multiplexing every
// PublicationImage keyed by (session, stream) arriving on it.
type ReceiveChannelEndpoint struct {
	mu        sync.Mutex
	canonical string
	conn      net.PacketConn
	refcount  int
	status    ChannelStatus
}

// Registry owns every live Send/Receive endpoint, keyed by canonical
// channel URI (spec.md §9: "endpoints owned by the Conductor's endpoint
// map plus reference counts"). Only the Conductor goroutine touches a
// Registry, so no internal locking is needed beyond what each endpoint
// itself holds for concurrent Sender/Receiver I/O.
type Registry struct {
	send    map[string]*SendChannelEndpoint
	receive map[string]*ReceiveChannelEndpoint
}

// NewRegistry returns an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{
		send:    make(map[string]*SendChannelEndpoint),
		receive: make(map[string]*ReceiveChannelEndpoint),
	}
}

// AcquireSend returns the shared SendChannelEndpoint for u's canonical
// form, creating and binding a new UDP socket if none exists yet
// (spec.md §4 item 8). Each call increments the refcount; pair with
// ReleaseSend.
func (r *Registry) AcquireSend(u chanuri.URI) (*SendChannelEndpoint, error) {
	key := u.Canonical()
	if ep, ok := r.send[key]; ok {
		ep.mu.Lock()
		ep.refcount++
		ep.mu.Unlock()
		return ep, nil
	}

	ep := &SendChannelEndpoint{
		canonical:    key,
		status:       StatusInitializing,
		refcount:     1,
		destinations: make(map[string]net.Addr),
		manualMDC:    u.ControlMode() == chanuri.ControlModeManual,
	}

	bindAddr := u.Control()
	if bindAddr == "" {
		bindAddr = "0.0.0.0:0" // ephemeral local port, destination supplied per-send
	}
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		ep.status = StatusErrored
		return nil, fmt.Errorf("endpoint: bind send socket for %s: %w", key, err)
	}
	ep.conn = conn
	ep.status = StatusActive

	if dest := u.Endpoint(); dest != "" {
		addr, err := net.ResolveUDPAddr("udp", dest)
		if err != nil {
			conn.Close()
			ep.status = StatusErrored
			return nil, fmt.Errorf("endpoint: resolve destination %s: %w", dest, err)
		}
		ep.primaryAddr = addr
	}

	r.send[key] = ep
	return ep, nil
}

// ReleaseSend decrements ep's refcount, closing its socket and removing
// it from the registry once the last user releases it.
func (r *Registry) ReleaseSend(ep *SendChannelEndpoint) {
	ep.mu.Lock()
	ep.refcount--
	dead := ep.refcount <= 0
	ep.mu.Unlock()
	if !dead {
		return
	}
	if ep.conn != nil {
		ep.conn.Close()
	}
	delete(r.send, ep.canonical)
}

// AcquireReceive returns the shared ReceiveChannelEndpoint for u's
// canonical form, binding a new UDP socket if none exists yet.
func (r *Registry) AcquireReceive(u chanuri.URI) (*ReceiveChannelEndpoint, error) {
	key := u.Canonical()
	if ep, ok := r.receive[key]; ok {
		ep.mu.Lock()
		ep.refcount++
		ep.mu.Unlock()
		return ep, nil
	}

	bindAddr := u.Endpoint()
	if bindAddr == "" {
		return nil, fmt.Errorf("endpoint: receive channel %s requires an endpoint param", key)
	}
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: bind receive socket for %s: %w", key, err)
	}

	ep := &ReceiveChannelEndpoint{canonical: key, conn: conn, refcount: 1, status: StatusActive}
	r.receive[key] = ep
	return ep, nil
}

// ReleaseReceive decrements ep's refcount, closing its socket once the
// last user releases it.
func (r *Registry) ReleaseReceive(ep *ReceiveChannelEndpoint) {
	ep.mu.Lock()
	ep.refcount--
	dead := ep.refcount <= 0
	ep.mu.Unlock()
	if !dead {
		return
	}
	if ep.conn != nil {
		ep.conn.Close()
	}
	delete(r.receive, ep.canonical)
}

// Send writes payload to the endpoint's primary destination (unicast) or
// to every MDC destination (manual multi-destination-cast), bounded by
// mtu_length per datagram per the caller (spec.md §4.2 step 3). Returns
// the number of destinations written to and the first error encountered,
// if any.
func (ep *SendChannelEndpoint) Send(payload []byte) (sent int, err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if len(ep.destinations) == 0 {
		if ep.primaryAddr == nil {
			return 0, fmt.Errorf("endpoint: %s has no destination", ep.canonical)
		}
		if _, e := ep.conn.WriteTo(payload, ep.primaryAddr); e != nil {
			return 0, e
		}
		return 1, nil
	}

	for _, addr := range ep.destinations {
		if _, e := ep.conn.WriteTo(payload, addr); e != nil && err == nil {
			err = e
			continue
		}
		sent++
	}
	return sent, err
}

// AddDestination registers a secondary MDC destination (SPEC_FULL.md §5).
// Only valid on an endpoint whose URI carried control-mode=manual; any
// other endpoint rejects this as the internal invariant violation of
// spec.md §7.
func (ep *SendChannelEndpoint) AddDestination(destChannel chanuri.URI) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.manualMDC {
		return fmt.Errorf("endpoint: %s is not a manual-control-mode MDC endpoint", ep.canonical)
	}
	addr, err := net.ResolveUDPAddr("udp", destChannel.Endpoint())
	if err != nil {
		return fmt.Errorf("endpoint: resolve MDC destination: %w", err)
	}
	ep.destinations[destChannel.Endpoint()] = addr
	return nil
}

// RemoveDestination deregisters a previously added MDC destination.
func (ep *SendChannelEndpoint) RemoveDestination(destChannel chanuri.URI) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.manualMDC {
		return fmt.Errorf("endpoint: %s is not a manual-control-mode MDC endpoint", ep.canonical)
	}
	delete(ep.destinations, destChannel.Endpoint())
	return nil
}

// Status returns the endpoint's current channel-status value.
func (ep *SendChannelEndpoint) Status() ChannelStatus {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.status
}

// Refcount reports the current number of holders, for tests and metrics.
func (ep *SendChannelEndpoint) Refcount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.refcount
}

// Conn exposes the underlying socket so the Conductor can read the Status
// Message and NAK replies that arrive back on a publication's own send
// socket (spec.md §4.2).
func (ep *SendChannelEndpoint) Conn() net.PacketConn { return ep.conn }

// Conn exposes the underlying socket for the Receiver agent's read loop.
func (ep *ReceiveChannelEndpoint) Conn() net.PacketConn { return ep.conn }

// Status returns the endpoint's current channel-status value.
func (ep *ReceiveChannelEndpoint) Status() ChannelStatus {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.status
}

// Refcount reports the current number of holders, for tests and metrics.
func (ep *ReceiveChannelEndpoint) Refcount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.refcount
}
