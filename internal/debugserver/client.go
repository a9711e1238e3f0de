package debugserver

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected debug-viewer websocket connection. It only
// reads to keep the pong handler alive; all real traffic is outbound
// lifecycle events pushed from hub.broadcast.
//
// Grounded on pkg/websocket/client.go's handleConnection/readPump split,
// with the inbound message-type dispatch dropped: this is a read-only
// monitoring surface (spec.md §3's debug server), not a command channel,
// so nothing a viewer sends is ever acted on beyond keeping the
// connection alive.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *hub
}

func newClient(conn *websocket.Conn, h *hub, id string) *client {
	return &client{id: id, conn: conn, send: make(chan []byte, 64), hub: h}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWS upgrades an HTTP request to a websocket debug-viewer connection.
func serveWS(h *hub, logger *log.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("debug websocket upgrade error: %v", err)
		return
	}

	c := newClient(conn, h, generateClientID())
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func generateClientID() string {
	return "debug-" + time.Now().Format("150405.000000")
}
