package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/reportd/version"
)

// upgrader creates a websocket upgrader that checks origins against
// server.allowed_origins
func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no origin
			return origin == "" || s.originAllowed(origin)
		},
	}
}

// HandleWebSocket upgrades GET /ws and streams engine events
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := newClient(s.hub, conn, fmt.Sprintf("%s_%d", r.RemoteAddr, time.Now().UnixNano()))

	// Hello goes out before writePump starts so the two writes cannot race
	info := version.Get()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(map[string]interface{}{
		"type":      "hello",
		"version":   info.Version,
		"commit":    info.Short(),
		"timestamp": time.Now().Unix(),
	}); err != nil {
		conn.Close()
		return
	}

	if !s.hub.register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"))
		conn.Close()
		return
	}

	go func() {
		defer s.hub.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.hub.wg.Done()
		client.readPump()
	}()
}
