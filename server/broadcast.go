package server

// Event fan-out to websocket clients. The engine calls BroadcastExecution
// and BroadcastDelivery from its workers, so neither may block: a client
// whose buffer is full is dropped rather than slowing the engine down.

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/schedule"
)

// Hub tracks websocket clients and implements engine.Broadcaster
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	drops   atomic.Int64
	now     func() time.Time
	logger  *zap.SugaredLogger
}

// NewHub creates a hub. It accepts broadcasts and clients until Stop.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients: make(map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		logger:  log.Named("hub"),
	}
}

// Stop closes every client connection and waits for their pumps to exit
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	if len(clients) > 0 {
		h.logger.Infow("Closing client connections", logger.FieldCount, len(clients))
	}
	for _, c := range clients {
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		h.logger.Warnw("Websocket clients did not stop in time", "timeout", ShutdownTimeout)
	}
}

// BroadcastExecution publishes an execution state change
func (h *Hub) BroadcastExecution(exec *schedule.Execution) {
	h.broadcastMessage(Event{Type: "execution", Execution: exec, Timestamp: h.now().Unix()})
}

// BroadcastDelivery publishes a delivery attempt and the channel's new state
func (h *Hub) BroadcastDelivery(entry *schedule.DeliveryLog, state *schedule.Delivery) {
	h.broadcastMessage(Event{Type: "delivery", DeliveryLog: entry, Delivery: state, Timestamp: h.now().Unix()})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Drops returns how many messages were dropped for slow clients
func (h *Hub) Drops() int64 {
	return h.drops.Load()
}

// broadcastMessage sends msg to every client without blocking and returns
// how many accepted it
func (h *Hub) broadcastMessage(msg interface{}) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.enqueue(msg) {
			sent++
			continue
		}
		h.drops.Add(1)
		h.removeSlowClient(c)
	}
	return sent
}

// register adds a client unless the hub is stopped or full, and accounts
// for its two pumps
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	if len(h.clients) >= MaxClients {
		h.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", c.id, "max_clients", MaxClients)
		return false
	}
	h.clients[c] = true
	h.wg.Add(2)
	h.logger.Infow("Client connected", "client_id", c.id, "total_clients", len(h.clients))
	return true
}

// unregister removes a client and closes its send buffer
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
	}
}

// removeSlowClient drops a client that cannot keep up
func (h *Hub) removeSlowClient(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	c.conn.Close()
	h.logger.Warnw("Client send buffer full, removing client",
		"client_id", c.id, "total_drops", h.drops.Load())
}
