// Package metrics implements the ambient observability stack of SPEC_FULL.md
// §3: Prometheus counters/gauges/histograms for driver activity, plus
// gopsutil- and runtime/metrics-backed system sampling. Every publication,
// subscription, image, and client count the Conductor tracks internally
// (internal/conductor) is mirrored here as a Prometheus series so an
// operator's existing scrape pipeline sees this driver the same way it sees
// any other instrumented Go service.
//
// Grounded on `internal/metrics/metrics.go` directly: the same promauto
// constructor calls, the same flat struct-of-series shape, generalized from
// WebSocket/NATS series names to driver-domain ones.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series this driver exposes.
type Metrics struct {
	clientsActive       prometheus.Gauge
	clientsTotal        prometheus.Counter
	clientsTimedOut     prometheus.Counter

	publicationsActive   prometheus.Gauge
	publicationsTotal    prometheus.Counter
	subscriptionsActive  prometheus.Gauge
	subscriptionsTotal   prometheus.Counter
	imagesActive         prometheus.Gauge
	imagesTotal          prometheus.Counter
	unavailableImages    prometheus.Counter

	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	framesSent       prometheus.Counter
	framesReceived   prometheus.Counter
	frameSize        prometheus.Histogram

	statusMessagesSent     prometheus.Counter
	statusMessagesReceived prometheus.Counter
	naksSent               prometheus.Counter
	naksReceived           prometheus.Counter
	retransmitsSent        prometheus.Counter
	retransmitOverflows    prometheus.Counter
	publishersUnblocked    prometheus.Counter

	imageRTT *prometheus.GaugeVec

	dutyCycleLatency prometheus.Histogram

	errorsTotal   prometheus.Counter
	errorsByType  *prometheus.CounterVec
	lastErrorTime prometheus.Gauge

	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	eventBusConnected  prometheus.Gauge
	eventBusReconnects prometheus.Counter
	eventBusMessages   prometheus.Counter

	startTime time.Time
	mu        sync.RWMutex
}

// NewMetrics registers and returns every driver series against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		clientsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_clients_active",
			Help: "Number of clients with a live liveness deadline",
		}),
		clientsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_clients_total",
			Help: "Total number of distinct clients seen",
		}),
		clientsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_clients_timed_out_total",
			Help: "Total number of clients reaped for missing their liveness deadline",
		}),

		publicationsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_publications_active",
			Help: "Number of network and IPC publications currently live",
		}),
		publicationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_publications_total",
			Help: "Total number of publications ever added",
		}),
		subscriptionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_subscriptions_active",
			Help: "Number of subscriptions currently live",
		}),
		subscriptionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_subscriptions_total",
			Help: "Total number of subscriptions ever added",
		}),
		imagesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_images_active",
			Help: "Number of publication images currently live",
		}),
		imagesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_images_total",
			Help: "Total number of publication images ever created",
		}),
		unavailableImages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_images_unavailable_total",
			Help: "Total number of images that reached end of life",
		}),

		bytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_bytes_sent_total",
			Help: "Total payload bytes sent on the network send path",
		}),
		bytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_bytes_received_total",
			Help: "Total payload bytes received on the network receive path",
		}),
		framesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_frames_sent_total",
			Help: "Total data frames sent",
		}),
		framesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_frames_received_total",
			Help: "Total data frames received",
		}),
		frameSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediadriver_frame_size_bytes",
			Help:    "Size of sent/received frames in bytes",
			Buckets: []float64{32, 128, 512, 1408, 4096, 16384, 65536},
		}),

		statusMessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_status_messages_sent_total",
			Help: "Total status messages sent by receivers",
		}),
		statusMessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_status_messages_received_total",
			Help: "Total status messages received by senders",
		}),
		naksSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_naks_sent_total",
			Help: "Total NAKs sent by receivers for missing data",
		}),
		naksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_naks_received_total",
			Help: "Total NAKs received by senders",
		}),
		retransmitsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_retransmits_sent_total",
			Help: "Total retransmitted data frames sent in response to a NAK",
		}),
		retransmitOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_retransmit_overflows_total",
			Help: "Total NAKs dropped because the retransmit handler's active action table was full",
		}),
		publishersUnblocked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_publishers_unblocked_total",
			Help: "Total times the Conductor force-advanced a stalled publisher's claimed term slot",
		}),

		imageRTT: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediadriver_image_rtt_seconds",
			Help: "Most recently measured round-trip time to an image's source, per session/stream",
		}, []string{"session_id", "stream_id"}),

		dutyCycleLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediadriver_duty_cycle_seconds",
			Help:    "Wall-clock duration of one Conductor duty cycle",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_errors_total",
			Help: "Total number of errors recorded to the distinct error log",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mediadriver_errors_by_type_total",
			Help: "Total number of errors recorded, partitioned by error type",
		}, []string{"type"}),
		lastErrorTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_last_error_timestamp",
			Help: "Unix timestamp of the most recently recorded error",
		}),

		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_goroutines",
			Help: "Number of goroutines",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_memory_usage_bytes",
			Help: "Process heap memory usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_cpu_usage_percent",
			Help: "Process CPU usage percentage",
		}),

		eventBusConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mediadriver_eventbus_connected",
			Help: "Lifecycle event bus connection status (1=connected, 0=disconnected)",
		}),
		eventBusReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_eventbus_reconnects_total",
			Help: "Total lifecycle event bus reconnections",
		}),
		eventBusMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mediadriver_eventbus_messages_total",
			Help: "Total lifecycle events published to the event bus",
		}),
	}
}

// The client, publication, subscription, image, traffic, status-message,
// NAK, retransmit, unblock, RTT, duty-cycle and error recording methods on
// *Metrics are nil-safe: internal/conductor is built and tested without a
// Metrics instance (constructing one twice in the same process would
// double-register the same Prometheus collector names), so a nil *Metrics
// is the Conductor's normal "no metrics wired" state, not an error case,
// the same as a nil *debugserver.Server or *eventbus.EventBus.
// UpdateGoroutinesCount, UpdateMemoryUsage, UpdateCPUUsage,
// SetEventBusConnected, IncrementEventBusReconnects,
// IncrementEventBusMessages and GetUptime do not check for a nil receiver.

func (m *Metrics) IncrementClients() {
	if m == nil {
		return
	}
	m.clientsTotal.Inc()
	m.clientsActive.Inc()
}

func (m *Metrics) DecrementClients() {
	if m == nil {
		return
	}
	m.clientsActive.Dec()
}

func (m *Metrics) RecordClientTimeout() {
	if m == nil {
		return
	}
	m.clientsTimedOut.Inc()
}

func (m *Metrics) IncrementPublications() {
	if m == nil {
		return
	}
	m.publicationsTotal.Inc()
	m.publicationsActive.Inc()
}

func (m *Metrics) DecrementPublications() {
	if m == nil {
		return
	}
	m.publicationsActive.Dec()
}

func (m *Metrics) IncrementSubscriptions() {
	if m == nil {
		return
	}
	m.subscriptionsTotal.Inc()
	m.subscriptionsActive.Inc()
}

func (m *Metrics) DecrementSubscriptions() {
	if m == nil {
		return
	}
	m.subscriptionsActive.Dec()
}

func (m *Metrics) IncrementImages() {
	if m == nil {
		return
	}
	m.imagesTotal.Inc()
	m.imagesActive.Inc()
}

func (m *Metrics) DecrementImages() {
	if m == nil {
		return
	}
	m.imagesActive.Dec()
	m.unavailableImages.Inc()
}

func (m *Metrics) RecordBytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
	m.framesSent.Inc()
	m.frameSize.Observe(float64(n))
}

func (m *Metrics) RecordBytesReceived(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
	m.framesReceived.Inc()
	m.frameSize.Observe(float64(n))
}

func (m *Metrics) RecordStatusMessageSent() {
	if m != nil {
		m.statusMessagesSent.Inc()
	}
}

func (m *Metrics) RecordStatusMessageReceived() {
	if m != nil {
		m.statusMessagesReceived.Inc()
	}
}

func (m *Metrics) RecordNAKSent() {
	if m != nil {
		m.naksSent.Inc()
	}
}

func (m *Metrics) RecordNAKReceived() {
	if m != nil {
		m.naksReceived.Inc()
	}
}

func (m *Metrics) RecordRetransmit() {
	if m != nil {
		m.retransmitsSent.Inc()
	}
}

func (m *Metrics) RecordRetransmitOverflow() {
	if m != nil {
		m.retransmitOverflows.Inc()
	}
}

func (m *Metrics) RecordUnblock() {
	if m != nil {
		m.publishersUnblocked.Inc()
	}
}

// RecordImageRTT publishes the latest round-trip-time measurement for one
// image (SPEC_FULL.md §5 RTT Measurement supplement). canonical is accepted
// for parity with the other per-stream record methods but isn't itself a
// label, since session id already disambiguates concurrent images on the
// same channel/stream.
func (m *Metrics) RecordImageRTT(canonical string, sessionID, streamID int32, rttNs int64) {
	if m == nil {
		return
	}
	m.imageRTT.WithLabelValues(strconv.Itoa(int(sessionID)), strconv.Itoa(int(streamID))).Set(float64(rttNs) / 1e9)
}

func (m *Metrics) RecordDutyCycle(duration time.Duration) {
	if m == nil {
		return
	}
	m.dutyCycleLatency.Observe(duration.Seconds())
}

// RecordError bumps the error counters; wired as driverlog.Log's onRecord
// hook so every distinct-error-log entry is also a Prometheus observation.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
	m.lastErrorTime.SetToCurrentTime()
}

func (m *Metrics) UpdateGoroutinesCount(count int) { m.goroutinesCount.Set(float64(count)) }
func (m *Metrics) UpdateMemoryUsage(bytes uint64)  { m.memoryUsage.Set(float64(bytes)) }
func (m *Metrics) UpdateCPUUsage(percent float64)  { m.cpuUsage.Set(percent) }

func (m *Metrics) SetEventBusConnected(connected bool) {
	if connected {
		m.eventBusConnected.Set(1)
	} else {
		m.eventBusConnected.Set(0)
	}
}

func (m *Metrics) IncrementEventBusReconnects() { m.eventBusReconnects.Inc() }
func (m *Metrics) IncrementEventBusMessages()   { m.eventBusMessages.Inc() }

func (m *Metrics) GetUptime() time.Duration { return time.Since(m.startTime) }

// FrameRateTracker computes a frames/bytes-per-second rate from a
// monotonically increasing counter sampled once per reporting interval,
// without re-deriving the rate from raw Prometheus counter state.
type FrameRateTracker struct {
	mu          sync.RWMutex
	lastCount   float64
	lastTime    time.Time
	currentRate float64
}

func NewFrameRateTracker() *FrameRateTracker {
	return &FrameRateTracker{lastTime: time.Now()}
}

func (t *FrameRateTracker) Update(currentCount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	delta := now.Sub(t.lastTime).Seconds()
	if delta > 0 {
		t.currentRate = (currentCount - t.lastCount) / delta
		t.lastCount = currentCount
		t.lastTime = now
	}
}

func (t *FrameRateTracker) Rate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.currentRate
}
