// Package server is the thin HTTP API over the report engine: schedule CRUD,
// manual triggers, cancellation, delivery retries, the dashboard summary and
// a websocket stream of execution and delivery events.
package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/auth"
	"github.com/teranos/reportd/pulse/engine"
)

const (
	// ShutdownTimeout bounds graceful HTTP shutdown
	ShutdownTimeout = 10 * time.Second

	// MaxClients caps concurrent websocket connections
	MaxClients = 100

	readHeaderTimeout = 10 * time.Second
)

// ServerState tracks the HTTP lifecycle
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// Server serves the API for one engine
type Server struct {
	engine  *engine.Engine
	cfg     am.ServerConfig
	auth    *auth.Middleware
	hub     *Hub
	logger  *zap.SugaredLogger
	started time.Time

	mu         sync.Mutex
	httpServer *http.Server
	state      atomic.Int32
}

// New creates a server. Register Hub() as the engine's broadcaster before
// starting the engine so events reach websocket clients.
func New(eng *engine.Engine, hub *Hub, cfg am.ServerConfig, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	log := logger.Named("server")
	s := &Server{
		engine:  eng,
		cfg:     cfg,
		auth:    auth.NewMiddleware(auth.NewJWTManager(cfg.Auth), log),
		hub:     hub,
		logger:  log,
		started: time.Now(),
	}
	s.state.Store(int32(ServerStateStopped))
	return s
}

// Hub returns the websocket event hub
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return s.requestLogger(mux)
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(state ServerState) {
	s.state.Store(int32(state))
	s.logger.Infow("Server state changed", "new_state", stateString(state))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
