package metrics

import "time"

// DriverMetrics lists the recording methods *Metrics implements, so a test
// double can stand in without pulling in a real Prometheus registry.
// internal/conductor and internal/eventbus take a concrete *Metrics and
// internal/debugserver takes a *Collector, not this interface.
type DriverMetrics interface {
	IncrementClients()
	DecrementClients()
	RecordClientTimeout()

	IncrementPublications()
	DecrementPublications()
	IncrementSubscriptions()
	DecrementSubscriptions()
	IncrementImages()
	DecrementImages()

	RecordBytesSent(n int)
	RecordBytesReceived(n int)

	RecordStatusMessageSent()
	RecordStatusMessageReceived()
	RecordNAKSent()
	RecordNAKReceived()
	RecordRetransmit()
	RecordRetransmitOverflow()
	RecordUnblock()
	RecordImageRTT(canonical string, sessionID, streamID int32, rttNs int64)
	RecordDutyCycle(duration time.Duration)

	RecordError(errorType string)

	UpdateGoroutinesCount(count int)
	UpdateMemoryUsage(bytes uint64)
	UpdateCPUUsage(percent float64)

	SetEventBusConnected(connected bool)
	IncrementEventBusReconnects()
	IncrementEventBusMessages()

	GetUptime() time.Duration
}

var _ DriverMetrics = (*Metrics)(nil)
