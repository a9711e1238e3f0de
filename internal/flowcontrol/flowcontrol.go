// Package flowcontrol implements the pluggable sender-limit strategies of
// spec.md §4.5: unicast (track the single receiver's window), multicast-min
// (track every receiver, expire silent ones, take the minimum), and
// multicast-tagged (multicast-min additionally filtered by an
// application-supplied feedback tag).
//
// Grounded on pkg/nats/client.go's reconnect/options pattern for the
// "pluggable strategy selected by config, driven by periodic callbacks"
// shape, generalized from connection-lifecycle callbacks to
// status-message/idle callbacks.
package flowcontrol

import "sync"

// StatusMessage is the subset of a received Status Message frame a flow
// control strategy needs (spec.md §4.5, §6).
type StatusMessage struct {
	ReceiverID         int64
	ConsumptionTermID  int32
	ConsumptionOffset  int32
	ReceiverWindow     int32
	FeedbackTag        string
	InitialTermID      int32
	PositionBitsToShift uint8
}

// ConsumptionPosition computes the absolute position the status message
// reports consumption up to, matching internal/logbuffer's Position
// formula.
func (m StatusMessage) ConsumptionPosition(termLength int32) int64 {
	return int64(m.ConsumptionTermID-m.InitialTermID)*int64(termLength) + int64(m.ConsumptionOffset)
}

// Strategy is the FlowControl interface of spec.md §4.5.
type Strategy interface {
	// OnStatusMessage folds a newly received status message into the
	// strategy's state and returns the new sender limit.
	OnStatusMessage(msg StatusMessage, src string, currentLimit int64, termLength int32, nowNs int64) int64
	// OnIdle lets the strategy decay the limit (e.g. expire silent
	// receivers) absent a fresh status message, invoked from the
	// zero-bytes-sent branch of the send loop only (spec.md §9 open
	// question).
	OnIdle(nowNs int64, currentLimit int64) int64
}

// Unicast is the single-receiver strategy: the limit tracks exactly what
// the one receiver last reported, with no timeout bookkeeping (spec.md
// §4.5: "new_limit = msg.consumption_position + msg.receiver_window").
type Unicast struct{}

func NewUnicast() *Unicast { return &Unicast{} }

func (u *Unicast) OnStatusMessage(msg StatusMessage, _ string, _ int64, termLength int32, _ int64) int64 {
	return msg.ConsumptionPosition(termLength) + int64(msg.ReceiverWindow)
}

func (u *Unicast) OnIdle(_ int64, currentLimit int64) int64 { return currentLimit }

// receiverTimeoutNs is how long a multicast receiver may stay silent
// before it's excluded from the minimum (spec.md §4.5 "expire silent
// receivers after a timeout").
const receiverTimeoutNs = 2_000_000_000 // 2s

type receiverState struct {
	position   int64
	lastSeenNs int64
	tag        string
}

// MulticastMin tracks one receiver per ReceiverID and reports the minimum
// reported position plus window among receivers seen within
// receiverTimeoutNs (spec.md §4.5).
type MulticastMin struct {
	mu        sync.Mutex
	receivers map[int64]*receiverState
}

func NewMulticastMin() *MulticastMin {
	return &MulticastMin{receivers: make(map[int64]*receiverState)}
}

func (m *MulticastMin) OnStatusMessage(msg StatusMessage, _ string, currentLimit int64, termLength int32, nowNs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := msg.ConsumptionPosition(termLength) + int64(msg.ReceiverWindow)
	rs, ok := m.receivers[msg.ReceiverID]
	if !ok {
		rs = &receiverState{}
		m.receivers[msg.ReceiverID] = rs
	}
	rs.position = pos
	rs.lastSeenNs = nowNs
	rs.tag = msg.FeedbackTag

	return m.minLocked(nowNs, currentLimit)
}

func (m *MulticastMin) OnIdle(nowNs int64, currentLimit int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minLocked(nowNs, currentLimit)
}

// minLocked computes the minimum position among live receivers, expiring
// any receiver silent for longer than receiverTimeoutNs. Called with mu
// held.
func (m *MulticastMin) minLocked(nowNs int64, currentLimit int64) int64 {
	for id, rs := range m.receivers {
		if nowNs-rs.lastSeenNs > receiverTimeoutNs {
			delete(m.receivers, id)
		}
	}
	if len(m.receivers) == 0 {
		return currentLimit
	}
	min := int64(1<<63 - 1)
	for _, rs := range m.receivers {
		if rs.position < min {
			min = rs.position
		}
	}
	return min
}

// ReceiverCount reports the number of live receivers, for metrics and
// tests.
func (m *MulticastMin) ReceiverCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receivers)
}

// MulticastTagged is MulticastMin additionally filtered to receivers
// reporting a matching feedback tag (spec.md §4.5: "additionally filter by
// an application-specific feedback tag").
type MulticastTagged struct {
	inner *MulticastMin
	tag   string
}

func NewMulticastTagged(tag string) *MulticastTagged {
	return &MulticastTagged{inner: NewMulticastMin(), tag: tag}
}

func (m *MulticastTagged) OnStatusMessage(msg StatusMessage, src string, currentLimit int64, termLength int32, nowNs int64) int64 {
	if msg.FeedbackTag != m.tag {
		return currentLimit
	}
	return m.inner.OnStatusMessage(msg, src, currentLimit, termLength, nowNs)
}

func (m *MulticastTagged) OnIdle(nowNs int64, currentLimit int64) int64 {
	return m.inner.OnIdle(nowNs, currentLimit)
}
