// Package idlestrategy implements the pluggable idle strategies of
// spec.md §5: "a pluggable idle strategy (busy-spin, yield, park, sleep)
// is invoked when a duty cycle did zero work." The Conductor (and the
// Sender/Receiver duty cycles it drives) never blocks on external I/O;
// every wait is expressed by calling Idle once per cycle with how much
// work that cycle did.
//
// Grounded on `pkg/websocket/ring_buffer.go`'s spin-wait call to
// `runtime.Gosched()` on an empty slot, generalized from one hardcoded
// spin policy into a small swappable capability (spec.md §5: "pluggable
// strategies... expressed as capability sets; pick a table-of-function-
// pointers or trait-like abstraction" — mirroring the
// `flowcontrol.FlowControl`/`retransmit.DelayGenerator` shape already used
// elsewhere in this module).
package idlestrategy

import (
	"runtime"
	"time"
)

// Strategy is invoked once per duty cycle with the amount of work that
// cycle performed. A strategy is free to do nothing when workCount > 0
// and back off only on consecutive zero-work cycles.
type Strategy interface {
	Idle(workCount int)
}

// BusySpin never yields the CPU; lowest latency, highest CPU cost.
type BusySpin struct{}

func (BusySpin) Idle(int) {}

// Yield calls runtime.Gosched() on zero-work cycles, the same spin-wait
// primitive `pkg/websocket/ring_buffer.go`'s `Pop` uses while waiting for a
// slot to be filled.
type Yield struct{}

func (Yield) Idle(workCount int) {
	if workCount == 0 {
		runtime.Gosched()
	}
}

// Park sleeps a fixed duration on zero-work cycles — cheaper than BusySpin
// or Yield, at the cost of added latency bounded by Duration.
type Park struct {
	Duration time.Duration
}

func (p Park) Idle(workCount int) {
	if workCount == 0 {
		time.Sleep(p.Duration)
	}
}

// BackoffSleep escalates through spin, yield, and increasingly long sleeps
// as consecutive zero-work cycles accumulate, then holds at MaxSleep —
// the lowest-latency choice that still stops burning a full core once a
// duty cycle has gone genuinely idle.
type BackoffSleep struct {
	MaxSleep    time.Duration
	consecutive int
}

const (
	backoffSpinThreshold  = 10
	backoffYieldThreshold = 20
)

func (b *BackoffSleep) Idle(workCount int) {
	if workCount > 0 {
		b.consecutive = 0
		return
	}
	b.consecutive++

	switch {
	case b.consecutive <= backoffSpinThreshold:
		return
	case b.consecutive <= backoffYieldThreshold:
		runtime.Gosched()
	default:
		sleep := time.Duration(b.consecutive-backoffYieldThreshold) * time.Microsecond
		if b.MaxSleep > 0 && sleep > b.MaxSleep {
			sleep = b.MaxSleep
		}
		time.Sleep(sleep)
	}
}
