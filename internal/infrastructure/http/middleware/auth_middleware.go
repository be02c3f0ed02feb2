package middleware

import (
	"errors"
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	apperrors "github.com/johnquangdev/meeting-session/errors"
	"github.com/johnquangdev/meeting-session/pkg/jwt"
)

// ClaimsContextKey is the echo context key holding *jwt.Claims
const ClaimsContextKey = "claims"

// TokenValidator parses bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// EchoAuth validates the session token and stores its claims in the echo
// context. Routes with an :id param only accept tokens bound to that session.
// Mutating methods additionally require the capture role.
func EchoAuth(validator TokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractToken(c)
			if token == "" {
				return deny(apperrors.ErrUnauthenticated())
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				if errors.Is(err, gojwt.ErrTokenExpired) {
					return deny(apperrors.ErrTokenExpired())
				}
				return deny(apperrors.ErrInvalidToken())
			}

			if id := c.Param("id"); id != "" && !claims.Allows(id) {
				return deny(apperrors.ErrPermissionDenied("access session " + id))
			}
			if isWrite(c) && !claims.CanWrite() {
				return deny(apperrors.ErrPermissionDenied("modify session"))
			}

			c.Set(ClaimsContextKey, claims)
			return next(c)
		}
	}
}

// deny keeps the AppError reachable through errors.As for the app error
// handler while echo's default handler still sees the right status
func deny(e apperrors.AppError) error {
	return echo.NewHTTPError(e.HTTPCode, e.Message).SetInternal(e)
}

// GetClaims returns the claims set by EchoAuth
func GetClaims(c echo.Context) (*jwt.Claims, bool) {
	claims, ok := c.Get(ClaimsContextKey).(*jwt.Claims)
	return claims, ok
}

// isWrite treats POST and websocket ingest as mutations
func isWrite(c echo.Context) bool {
	r := c.Request()
	if r.Method != http.MethodGet {
		return true
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// extractToken checks the Authorization header, then the access_token
// query param (browsers cannot set headers on websocket upgrades), then the cookie
func extractToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return strings.TrimSpace(parts[1])
		}
	}
	if token := c.QueryParam("access_token"); token != "" {
		return token
	}
	if cookie, err := c.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}
