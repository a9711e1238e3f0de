package debugserver

import (
	"context"
	"log"
	"sync"
	"time"
)

// hub maintains the set of connected debug-viewer websocket clients and
// fans broadcast messages out to them, one goroutine per client so a slow
// reader can never stall another.
//
// Grounded on pkg/websocket/hub.go's Run/register/unregister/broadcast
// channel shape, with the nonce-based deduplication dropped: every
// message here originates server-side from a single Broadcast cursor
// (internal/ringbuffer), so there is no client-submitted traffic that
// could arrive twice the way independent websocket publishers could in
// the teacher.
type hub struct {
	clients map[*client]bool

	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHub(logger *log.Logger) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client, 32),
		unregister: make(chan *client, 32),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (h *hub) run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Printf("debug client %s connected, total %d", c.id, len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Printf("debug client %s disconnected, total %d", c.id, len(h.clients))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// publish queues message for delivery to every connected viewer. It never
// blocks: a full broadcast channel drops the message rather than stall
// the caller (the same Conductor broadcast cursor that feeds this).
func (h *hub) publish(message []byte) {
	select {
	case h.broadcast <- message:
	default:
	}
}

func (h *hub) clientCount() int {
	return len(h.clients)
}

func (h *hub) shutdown() {
	h.cancel()
	for c := range h.clients {
		c.conn.Close()
	}
	h.wg.Wait()
}

const writeWait = 10 * time.Second
const pongWait = 60 * time.Second
const pingPeriod = (pongWait * 9) / 10
