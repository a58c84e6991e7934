package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/sym"
)

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WithHint(errors.Wrapf(err, "failed to listen on %s", addr),
			"set server.port or REPORTD_SERVER_PORT to a free port")
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.setState(ServerStateRunning)
	s.logger.Infow(fmt.Sprintf("%s HTTP server listening", sym.Server),
		"address", ln.Addr().String(),
		"auth", s.cfg.Auth.JWTSecret != "")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		s.setState(ServerStateStopped)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop drains HTTP requests and closes websocket clients
func (s *Server) Stop() error {
	if s.getState() != ServerStateRunning {
		return nil
	}
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	// Websocket connections are hijacked, so Shutdown does not wait for them
	s.hub.Stop()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			err = errors.Wrap(shutdownErr, "http shutdown")
			s.logger.Warnw("HTTP shutdown did not complete", "error", shutdownErr)
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.hub.Drops())
	return err
}
