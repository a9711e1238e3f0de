package metrics

import (
	"sync"
	"time"
)

// ClientInfo holds detailed bookkeeping about one driver client, keyed by
// the client id the command protocol (internal/driverproto) addresses it
// by, mirroring the per-connection tracking the teacher keeps per socket.
type ClientInfo struct {
	ClientID          int64
	ConnectedAt       time.Time
	LastKeepaliveAt   time.Time
	PublicationsOwned int
	SubscriptionsOwned int
}

// ClientTracker provides detailed, queryable tracking of every live driver
// client, underneath the plain active-count gauge Metrics exposes to
// Prometheus.
type ClientTracker struct {
	mu            sync.RWMutex
	clients       map[int64]*ClientInfo
	totalClients  uint64
	peakClients   int
}

// NewClientTracker creates an empty client tracker.
func NewClientTracker() *ClientTracker {
	return &ClientTracker{
		clients: make(map[int64]*ClientInfo),
	}
}

// Touch registers a client on first contact and refreshes its last-keepalive
// timestamp on every subsequent call, mirroring internal/conductor's own
// client liveness bookkeeping without this package depending on it.
func (ct *ClientTracker) Touch(clientID int64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	now := time.Now()
	info, exists := ct.clients[clientID]
	if !exists {
		info = &ClientInfo{ClientID: clientID, ConnectedAt: now}
		ct.clients[clientID] = info
		ct.totalClients++
		if len(ct.clients) > ct.peakClients {
			ct.peakClients = len(ct.clients)
		}
	}
	info.LastKeepaliveAt = now
}

// Remove drops a reaped client from tracking.
func (ct *ClientTracker) Remove(clientID int64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	delete(ct.clients, clientID)
}

// SetOwnedCounts updates how many publications/subscriptions a client
// currently owns, for the debug server's per-client breakdown.
func (ct *ClientTracker) SetOwnedCounts(clientID int64, publications, subscriptions int) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if info, ok := ct.clients[clientID]; ok {
		info.PublicationsOwned = publications
		info.SubscriptionsOwned = subscriptions
	}
}

// ActiveCount returns the current number of tracked clients.
func (ct *ClientTracker) ActiveCount() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.clients)
}

// Snapshot returns a structured summary of every tracked client, for
// internal/debugserver to serialize as JSON.
func (ct *ClientTracker) Snapshot() map[string]interface{} {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	now := time.Now()
	details := make([]map[string]interface{}, 0, len(ct.clients))
	for _, info := range ct.clients {
		details = append(details, map[string]interface{}{
			"client_id":           info.ClientID,
			"connected_sec":       now.Sub(info.ConnectedAt).Seconds(),
			"idle_sec":            now.Sub(info.LastKeepaliveAt).Seconds(),
			"publications_owned":  info.PublicationsOwned,
			"subscriptions_owned": info.SubscriptionsOwned,
		})
	}

	return map[string]interface{}{
		"active":  len(ct.clients),
		"total":   ct.totalClients,
		"peak":    ct.peakClients,
		"clients": details,
	}
}
