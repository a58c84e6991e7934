// Package auth guards the API's mutating routes with HS256 bearer tokens.
// Auth is off when no secret is configured.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/errors"
)

// DefaultTokenTTL is the lifetime of tokens minted by the CLI
const DefaultTokenTTL = 24 * time.Hour

// Claims identify the caller. Subject is recorded as the actor on manual
// triggers and schedule changes.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Actor returns the token subject
func (c *Claims) Actor() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

// JWTManager creates and validates tokens
type JWTManager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTManager returns nil when no secret is configured, which disables auth
func NewJWTManager(cfg am.AuthConfig) *JWTManager {
	if cfg.JWTSecret == "" {
		return nil
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "reportd"
	}
	return &JWTManager{secret: []byte(cfg.JWTSecret), issuer: issuer, now: time.Now}
}

// Enabled reports whether tokens are required
func (m *JWTManager) Enabled() bool {
	return m != nil
}

// GenerateToken mints a token for subject valid for ttl
func (m *JWTManager) GenerateToken(subject string, ttl time.Duration) (string, error) {
	if m == nil {
		return "", errors.New("auth is disabled: set server.auth.jwt_secret")
	}
	if subject == "" {
		return "", errors.NewInvalidRequestError("token subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: "api",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken parses a token and checks signature, issuer and expiry
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid token"), errors.ErrUnauthorized)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, errors.Mark(errors.New("invalid token claims"), errors.ErrUnauthorized)
	}
	return claims, nil
}
