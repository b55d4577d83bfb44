package utils

import (
	"testing"
	"time"
)

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager("signing-key")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.NewJWT("operator-1", RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "operator-1" || claims.Role != RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestManagerRejects(t *testing.T) {
	m, _ := NewManager("signing-key")
	other, _ := NewManager("other-key")

	expired, _ := m.NewJWT("operator-1", RoleAdmin, -time.Minute)
	if _, err := m.Parse(expired); err == nil {
		t.Fatal("expired token accepted")
	}
	foreign, _ := other.NewJWT("operator-1", RoleAdmin, time.Hour)
	if _, err := m.Parse(foreign); err == nil {
		t.Fatal("token signed with another key accepted")
	}
	if _, err := NewManager(""); err == nil {
		t.Fatal("empty key accepted")
	}
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	b, _ := NewSecret()
	if len(a) != 64 || a == b {
		t.Fatalf("secrets %q %q", a, b)
	}
}
