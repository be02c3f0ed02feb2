package jwt

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestManager_RoundTrip(t *testing.T) {
	m := NewManager("0123456789abcdef", time.Hour, "")

	token, err := m.GenerateToken("lesson-42", RoleCapture)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.SessionID != "lesson-42" || !claims.CanWrite() {
		t.Errorf("claims = %+v", claims)
	}
	if !claims.Allows("lesson-42") || claims.Allows("lesson-43") {
		t.Errorf("token should only allow its own session")
	}
}

func TestManager_Rejects(t *testing.T) {
	m := NewManager("0123456789abcdef", time.Hour, "")

	if _, err := m.GenerateToken("s1", "admin"); err == nil {
		t.Errorf("unknown role should be rejected")
	}

	other := NewManager("fedcba9876543210", time.Hour, "")
	token, _ := other.GenerateToken("s1", RoleViewer)
	if _, err := m.ValidateToken(token); err == nil {
		t.Errorf("token signed with another secret should fail")
	}

	expired := NewManager("0123456789abcdef", -time.Minute, "")
	token, _ = expired.GenerateToken("s1", RoleViewer)
	if _, err := m.ValidateToken(token); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}

	foreign := NewManager("0123456789abcdef", time.Hour, "someone-else")
	token, _ = foreign.GenerateToken("s1", RoleViewer)
	if _, err := m.ValidateToken(token); err == nil {
		t.Errorf("token from another issuer should fail")
	}
}

func TestClaims_AnySession(t *testing.T) {
	c := &Claims{SessionID: AnySession, Role: RoleViewer}
	if !c.Allows("whatever") || c.CanWrite() {
		t.Errorf("wildcard viewer = allows:%v write:%v", c.Allows("whatever"), c.CanWrite())
	}
}
