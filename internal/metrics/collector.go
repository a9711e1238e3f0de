package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Collector composes Metrics (the Prometheus series), SystemMetrics and
// RuntimeMetricsReader (sampled on a ticker), and ClientTracker into the one
// object cmd/mediadriverd constructs and hands to internal/debugserver.
//
// Grounded on `EnhancedMetrics`'s composition-over-embedding shape directly
// (a ticker-driven `updateAllMetrics` feeding sampled values into the
// Prometheus-backed struct it wraps), folded together with the
// teacher's `SimpleMetrics`/`GetAllStats` non-Prometheus snapshot into one
// type instead of two, since this driver has no deployment mode that needs
// metrics without a Prometheus registry the way the teacher's React client
// fallback did.
type Collector struct {
	metrics        *Metrics
	systemMetrics  *SystemMetrics
	runtimeMetrics *RuntimeMetricsReader
	cpuFallback    *CPUTracker
	clients        *ClientTracker

	mu             sync.RWMutex
	startTime      time.Time
	lastUpdateTime time.Time
	updateInterval time.Duration
	stop           chan struct{}
}

// NewCollector builds a Collector wrapping an existing Metrics instance (so
// the caller controls exactly when Prometheus series get registered).
func NewCollector(m *Metrics, updateInterval time.Duration) *Collector {
	if updateInterval <= 0 {
		updateInterval = 5 * time.Second
	}
	return &Collector{
		metrics:        m,
		systemMetrics:  NewSystemMetrics(),
		runtimeMetrics: NewRuntimeMetricsReader(),
		cpuFallback:    NewCPUTracker(),
		clients:        NewClientTracker(),
		startTime:      time.Now(),
		lastUpdateTime: time.Now(),
		updateInterval: updateInterval,
		stop:           make(chan struct{}),
	}
}

// Metrics exposes the wrapped Prometheus series, e.g. for driverlog.New's
// onRecord hook.
func (c *Collector) Metrics() *Metrics { return c.metrics }

// Clients exposes the client tracker whose contents Snapshot reports under
// "clients". Nothing in internal/conductor touches or removes entries in
// it; it holds only what callers of Touch/Remove put there.
func (c *Collector) Clients() *ClientTracker { return c.clients }

// StartCollection begins periodic system/runtime sampling on a ticker,
// mirroring values into the wrapped Metrics' gauges. Call Stop to end it.
func (c *Collector) StartCollection() {
	ticker := time.NewTicker(c.updateInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sample()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends the background sampling goroutine started by StartCollection.
func (c *Collector) Stop() { close(c.stop) }

func (c *Collector) sample() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.systemMetrics.Update()
	c.runtimeMetrics.Update()

	cpuPercent := c.systemMetrics.GetCPUPercent()
	if cpuPercent == 0 {
		// gopsutil sampling failed this round; fall back to the
		// scheduler-latency proxy rather than reporting a false zero.
		cpuPercent = c.cpuFallback.Sample()
	}

	c.metrics.UpdateMemoryUsage(uint64(c.systemMetrics.GetMemoryMB() * 1024 * 1024))
	c.metrics.UpdateCPUUsage(cpuPercent)
	c.metrics.UpdateGoroutinesCount(runtime.NumGoroutine())

	c.lastUpdateTime = time.Now()
}

// Snapshot returns a structured view of every sampled source, for
// internal/debugserver's HTTP stats endpoint.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"timestamp":       time.Now().Unix(),
		"uptime_seconds":  time.Since(c.startTime).Seconds(),
		"last_update":     c.lastUpdateTime.Unix(),
		"clients":         c.clients.Snapshot(),
		"system":          c.systemMetrics.GetSystemInfo(),
		"runtime":         c.runtimeMetrics.GetAllStats(),
	}
}
