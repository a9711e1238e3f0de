// Package eventbus fans the driver's lifecycle events (publications,
// subscriptions and images becoming available or unavailable, spec.md §8
// scenario 4) out to NATS, for operators who want to react to driver state
// changes without polling the debug server or the counters file. It is
// entirely optional: a Config with an empty URL means no connection is
// ever attempted and EventBus is nil.
//
// Grounded directly on pkg/nats/client.go: the same nats.Option set
// (MaxReconnects, ReconnectWait), the same four
// connection-lifecycle handlers, the same metrics-on-every-handler
// wiring — adapted from publishing market-data ticks to publishing
// driver lifecycle events, and reporting through the new
// internal/metrics.Metrics methods (SetEventBusConnected,
// IncrementEventBusReconnects, IncrementEventBusMessages) instead of the
// teacher's NATS-specific ones.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aeronio/mediadriver/internal/driverproto"
	"github.com/aeronio/mediadriver/internal/idlestrategy"
	"github.com/aeronio/mediadriver/internal/metrics"
	"github.com/aeronio/mediadriver/internal/ringbuffer"
	"github.com/aeronio/mediadriver/internal/types"
)

// LifecycleEvent is the envelope published to Subject for every response
// the Conductor broadcasts that a remote operator would plausibly care
// about (spec.md §8 scenario 4's image-unavailable case, plus the
// corresponding available/ready cases).
type LifecycleEvent struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestampNs"`
	Payload   interface{} `json:"payload"`
}

// EventBus wraps a NATS connection publishing LifecycleEvents. A nil
// *EventBus is valid and Publish/Run on it are no-ops, so callers that
// construct one only when EventBusConfig.URL != "" don't need a separate
// enabled flag everywhere.
type EventBus struct {
	conn    *nats.Conn
	subject string
	metrics *metrics.Metrics
	logger  *log.Logger
}

// New connects to NATS per cfg, or returns (nil, nil) when cfg.URL is
// empty — the driver runs with event fan-out disabled rather than
// failing to start.
func New(cfg types.EventBusConfig, m *metrics.Metrics, logger *log.Logger) (*EventBus, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	eb := &EventBus{subject: cfg.Subject, metrics: m, logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitMs) * time.Millisecond),
		nats.ConnectHandler(eb.connectHandler),
		nats.DisconnectErrHandler(eb.disconnectHandler),
		nats.ReconnectHandler(eb.reconnectHandler),
		nats.ErrorHandler(eb.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to event bus: %w", err)
	}
	eb.conn = conn
	m.SetEventBusConnected(true)

	return eb, nil
}

func (eb *EventBus) connectHandler(conn *nats.Conn) {
	eb.logger.Printf("event bus connected: %s", conn.ConnectedUrl())
	eb.metrics.SetEventBusConnected(true)
}

func (eb *EventBus) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		eb.logger.Printf("event bus disconnected: %v", err)
		eb.metrics.RecordError("eventbus_disconnect")
	}
	eb.metrics.SetEventBusConnected(false)
}

func (eb *EventBus) reconnectHandler(conn *nats.Conn) {
	eb.logger.Printf("event bus reconnected: %s", conn.ConnectedUrl())
	eb.metrics.SetEventBusConnected(true)
	eb.metrics.IncrementEventBusReconnects()
}

func (eb *EventBus) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	eb.logger.Printf("event bus error: %v", err)
	eb.metrics.RecordError("eventbus_error")
}

// Publish marshals and sends a LifecycleEvent. Nil-safe: a disabled event
// bus silently drops the event.
func (eb *EventBus) Publish(eventType string, payload interface{}) {
	if eb == nil {
		return
	}

	event := LifecycleEvent{Type: eventType, Timestamp: time.Now().UnixNano(), Payload: payload}
	data, err := json.Marshal(event)
	if err != nil {
		eb.logger.Printf("event bus marshal error: %v", err)
		eb.metrics.RecordError("eventbus_marshal")
		return
	}

	if err := eb.conn.Publish(eb.subject, data); err != nil {
		eb.logger.Printf("event bus publish error: %v", err)
		eb.metrics.RecordError("eventbus_publish")
		return
	}
	eb.metrics.IncrementEventBusMessages()
}

// Close drains and closes the NATS connection. Nil-safe.
func (eb *EventBus) Close() error {
	if eb == nil || eb.conn == nil {
		return nil
	}
	eb.conn.Close()
	eb.metrics.SetEventBusConnected(false)
	return nil
}

// Run reads the Conductor's response broadcast from its own cursor and
// republishes the lifecycle-relevant response types, until stop is
// closed. One cursor per reader, same attach semantics as every other
// Broadcast reader (spec.md §6) — internal/debugserver runs an
// independent cursor over the same broadcast. Nil-safe: called
// unconditionally from cmd/mediadriverd, a nil EventBus simply returns.
func (eb *EventBus) Run(responses *ringbuffer.Broadcast[any], stop <-chan struct{}) {
	if eb == nil {
		return
	}

	cursor := responses.NewCursor()
	idle := idlestrategy.Park{Duration: 2 * time.Millisecond}

	for {
		select {
		case <-stop:
			return
		default:
		}

		work := 0
		for {
			v, ok := cursor.Next()
			if !ok {
				break
			}
			work++
			eb.dispatch(v)
		}
		idle.Idle(work)
	}
}

func (eb *EventBus) dispatch(v interface{}) {
	switch resp := v.(type) {
	case driverproto.AvailableImageResponse:
		eb.Publish("image_available", resp)
	case driverproto.UnavailableImageResponse:
		eb.Publish("image_unavailable", resp)
	case driverproto.PublicationReadyResponse:
		eb.Publish("publication_ready", resp)
	case driverproto.SubscriptionReadyResponse:
		eb.Publish("subscription_ready", resp)
	}
}
