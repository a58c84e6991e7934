package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one websocket connection. Clients only listen; the messages
// they send are limited to keepalive pings.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	mu        sync.Mutex
	send      chan interface{}
	closed    bool
	closeOnce sync.Once
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{hub: hub, conn: conn, id: id, send: make(chan interface{}, sendBuffer)}
}

// enqueue offers msg to the client's buffer; false when full or closed
func (c *Client) enqueue(msg interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true // being torn down; not a slow client
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close closes the send buffer once, which ends writePump
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump consumes client frames until the connection fails
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.hub.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debugw("Ignoring malformed client message", "client_id", c.id)
			continue
		}
		switch msg.Type {
		case "ping":
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.enqueue(map[string]interface{}{"type": "pong", "timestamp": time.Now().Unix()})
		default:
			c.hub.logger.Debugw("Unknown message type", "type", msg.Type, "client_id", c.id)
		}
	}
}

// writePump is the connection's only writer
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.hub.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.logger.Debugw("Message write error", "client_id", c.id, "error", err)
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
