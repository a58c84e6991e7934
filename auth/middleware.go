package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

// ClaimsContextKey holds the caller's claims on authenticated requests
const ClaimsContextKey contextKey = "auth_claims"

// Middleware enforces bearer tokens
type Middleware struct {
	jwt    *JWTManager
	logger *zap.SugaredLogger
}

// NewMiddleware wraps a manager; a nil manager lets every request through
func NewMiddleware(jwt *JWTManager, logger *zap.SugaredLogger) *Middleware {
	return &Middleware{jwt: jwt, logger: logger}
}

// RequireAuth rejects requests without a valid token when auth is enabled
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.jwt.Enabled() {
			next(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			unauthorized(w, "missing bearer token")
			return
		}
		claims, err := m.jwt.ValidateToken(token)
		if err != nil {
			m.logger.Debugw("Token validation failed", "error", err, "path", r.URL.Path)
			unauthorized(w, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ClaimsContextKey, claims)))
	}
}

// extractToken reads the Authorization header, then the token query param
// (browsers cannot set headers on websocket upgrades)
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// ClaimsFromContext returns the caller's claims, or nil on unauthenticated requests
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ClaimsContextKey).(*Claims)
	return claims
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="reportd"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized: " + msg})
}
