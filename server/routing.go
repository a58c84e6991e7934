package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
)

// setupRoutes registers every API route. Mutating routes require a bearer
// token when server.auth.jwt_secret is set.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	read := func(h http.HandlerFunc) http.HandlerFunc { return s.corsMiddleware(h) }
	write := func(h http.HandlerFunc) http.HandlerFunc { return s.corsMiddleware(s.auth.RequireAuth(h)) }

	mux.HandleFunc("GET /health", read(s.HandleHealth))
	mux.HandleFunc("GET /ws", read(s.HandleWebSocket))
	mux.HandleFunc("GET /api/dashboard", read(s.HandleDashboard))
	mux.HandleFunc("GET /api/stats", read(s.HandleStats))

	mux.HandleFunc("GET /api/schedules", read(s.HandleListSchedules))
	mux.HandleFunc("POST /api/schedules", write(s.HandleCreateSchedule))
	mux.HandleFunc("GET /api/schedules/{id}", read(s.HandleGetSchedule))
	mux.HandleFunc("PATCH /api/schedules/{id}", write(s.HandleUpdateSchedule))
	mux.HandleFunc("DELETE /api/schedules/{id}", write(s.HandleDeleteSchedule))
	mux.HandleFunc("POST /api/schedules/{id}/trigger", write(s.HandleTriggerSchedule))
	mux.HandleFunc("GET /api/schedules/{id}/executions", read(s.HandleScheduleExecutions))

	mux.HandleFunc("GET /api/executions/{id}", read(s.HandleGetExecution))
	mux.HandleFunc("GET /api/executions/{id}/artifact", read(s.HandleExecutionArtifact))
	mux.HandleFunc("POST /api/executions/{id}/cancel", write(s.HandleCancelExecution))
	mux.HandleFunc("POST /api/executions/{id}/deliveries/{channel}/retry", write(s.HandleRetryDelivery))

	mux.HandleFunc("GET /api/delivery-logs", read(s.HandleListDeliveryLogs))
	mux.HandleFunc("POST /api/delivery-logs/{id}/retry", write(s.HandleRetryDeliveryLog))

	// Preflight for every API path
	mux.HandleFunc("OPTIONS /", s.corsMiddleware(func(w http.ResponseWriter, r *http.Request) {}))
}

// corsMiddleware adds CORS headers for configured origins and answers preflight requests
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// originAllowed prefix-matches against server.allowed_origins so any port is accepted
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes websocket upgrades through to the underlying connection
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestLogger tags each request with an ID and logs it on completion
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if r.URL.Path == "/health" {
			return
		}
		log := logger.FromContext(ctx, s.logger)
		fields := []interface{}{
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		}
		if rec.status >= http.StatusInternalServerError {
			log.Warnw("Request failed", fields...)
			return
		}
		log.Debugw("Request served", fields...)
	})
}
