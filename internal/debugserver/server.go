// Package debugserver implements the driver's optional local operator
// surface (spec.md §3): an HTTP+WebSocket endpoint bound to a loopback
// address by default, exposing a health check, a JSON metrics/client
// snapshot, and a live stream of publication/subscription/image
// lifecycle events for whoever is watching the driver from outside.
//
// Grounded on internal/server/server.go's setupHTTPServer/handleHealth/
// handleStats shape and pkg/websocket/hub.go's Hub, adapted from
// broadcasting market-data ticks to broadcasting driver lifecycle
// responses read off the Conductor's own internal/ringbuffer.Broadcast,
// and from the teacher's EnhancedMetrics snapshot to the new
// internal/metrics.Collector's Snapshot.
package debugserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/aeronio/mediadriver/internal/driverproto"
	"github.com/aeronio/mediadriver/internal/idlestrategy"
	"github.com/aeronio/mediadriver/internal/metrics"
	"github.com/aeronio/mediadriver/internal/ringbuffer"
)

// Server is the debug HTTP+WebSocket listener. A nil *Server is valid;
// Start/Shutdown on it are no-ops, matching DebugConfig.Enabled == false
// meaning cmd/mediadriverd never constructs one.
type Server struct {
	addr       string
	collector  *metrics.Collector
	responses  *ringbuffer.Broadcast[any]
	logger     *log.Logger
	hub        *hub
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a debug server listening on addr, streaming lifecycle events
// read from responses and serving snapshots from collector.
func New(addr string, collector *metrics.Collector, responses *ringbuffer.Broadcast[any], logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		collector: collector,
		responses: responses,
		logger:    logger,
		hub:       newHub(logger),
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"clients":   s.hub.clientCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collector.Snapshot())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	serveWS(s.hub, s.logger, w, r)
}

// Start runs the hub, the lifecycle-event pump, and the HTTP listener.
// Nil-safe. Returns once the listener has been told to start; it does
// not block.
func (s *Server) Start() {
	if s == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.run()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpLifecycleEvents()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("debug server listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("debug server error: %v", err)
		}
	}()
}

// pumpLifecycleEvents reads the Conductor's response broadcast from its
// own cursor — the same attach-at-current-head semantics every Broadcast
// reader gets (spec.md §6) — and republishes the lifecycle-relevant
// response types as JSON to every connected viewer.
func (s *Server) pumpLifecycleEvents() {
	cursor := s.responses.NewCursor()
	idle := idlestrategy.Park{Duration: 5 * time.Millisecond}

	for {
		select {
		case <-s.ctx.Done():
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
			if msg := encodeLifecycleEvent(v); msg != nil {
				s.hub.publish(msg)
			}
		}
		idle.Idle(work)
	}
}

func encodeLifecycleEvent(v interface{}) []byte {
	var eventType string
	switch v.(type) {
	case driverproto.AvailableImageResponse:
		eventType = "image_available"
	case driverproto.UnavailableImageResponse:
		eventType = "image_unavailable"
	case driverproto.PublicationReadyResponse:
		eventType = "publication_ready"
	case driverproto.SubscriptionReadyResponse:
		eventType = "subscription_ready"
	default:
		return nil
	}

	envelope := map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().Unix(),
		"payload":   v,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	return data
}

// Shutdown stops the HTTP listener, the event pump, and the hub, waiting
// up to 5 seconds for in-flight work to finish. Nil-safe.
func (s *Server) Shutdown() {
	if s == nil {
		return
	}

	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Printf("debug server shutdown error: %v", err)
	}

	s.hub.shutdown()
	s.wg.Wait()
}
