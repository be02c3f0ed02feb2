package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token roles
const (
	RoleCapture = "capture" // may open ingest streams and mutate the session
	RoleViewer  = "viewer"  // read-only access to state and results
)

// AnySession lets a token act on every session. Used by operator tooling.
const AnySession = "*"

// Claims are the session-scoped bearer token claims
type Claims struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Allows reports whether the token may act on sessionID
func (c *Claims) Allows(sessionID string) bool {
	return c.SessionID == AnySession || c.SessionID == sessionID
}

// CanWrite reports whether the token may mutate a session
func (c *Claims) CanWrite() bool {
	return c.Role == RoleCapture
}
