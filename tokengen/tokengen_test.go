package tokengen

import (
	"strings"
	"testing"
	"time"
)

func TestOpaqueGenerator(t *testing.T) {
	g := NewOpaqueGenerator()

	at1, err := g.AccessToken(Claims{Subject: "u1", ClientID: "c1"})
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	at2, _ := g.AccessToken(Claims{Subject: "u1", ClientID: "c1"})
	if at1 == at2 {
		t.Error("Expected unique tokens")
	}
	if strings.Contains(at1, "-") {
		t.Error("Expected a compact token without dashes")
	}

	rt, err := g.RefreshToken()
	if err != nil || rt == "" {
		t.Fatalf("RefreshToken = %q, %v", rt, err)
	}
}

func TestJWTGenerator_RejectsShortKeys(t *testing.T) {
	if _, err := NewJWTGenerator("https://auth.example.com", []byte("short")); err == nil {
		t.Fatal("Expected an error for a short signing key")
	}
}

func TestJWTGenerator_GeneratesKeyWhenEmpty(t *testing.T) {
	g, err := NewJWTGenerator("https://auth.example.com", nil)
	if err != nil {
		t.Fatalf("NewJWTGenerator failed: %v", err)
	}

	signed, err := g.AccessToken(Claims{Subject: "u1", ClientID: "c1", TTL: time.Minute})
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if _, err := g.Parse(signed); err != nil {
		t.Errorf("Parse failed on a self-minted token: %v", err)
	}
}

func TestJWTGenerator_RoundTrip(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	g, err := NewJWTGenerator("https://auth.example.com", key)
	if err != nil {
		t.Fatalf("NewJWTGenerator failed: %v", err)
	}

	signed, err := g.AccessToken(Claims{
		Subject:  "u1",
		ClientID: "c1",
		Scopes:   []string{"profile", "email"},
		TTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}

	claims, err := g.Parse(signed)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims["sub"] != "u1" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["client_id"] != "c1" {
		t.Errorf("client_id = %v", claims["client_id"])
	}
	if claims["scope"] != "profile email" {
		t.Errorf("scope = %v", claims["scope"])
	}
	if claims["jti"] == "" {
		t.Error("Expected a jti claim")
	}
}

func TestJWTGenerator_ParseRejectsForeignTokens(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	g, _ := NewJWTGenerator("https://auth.example.com", key)

	other, _ := NewJWTGenerator("https://auth.example.com", []byte(strings.Repeat("x", 32)))
	foreign, err := other.AccessToken(Claims{Subject: "u1", TTL: time.Hour})
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}

	if _, err := g.Parse(foreign); err == nil {
		t.Error("Expected a signature failure for a foreign key")
	}

	wrongIssuer, _ := NewJWTGenerator("https://other.example.com", key)
	mismatched, _ := wrongIssuer.AccessToken(Claims{Subject: "u1", TTL: time.Hour})
	if _, err := g.Parse(mismatched); err == nil {
		t.Error("Expected an issuer mismatch failure")
	}
}

func TestJWTGenerator_ParseRejectsExpired(t *testing.T) {
	g, _ := NewJWTGenerator("https://auth.example.com", []byte(strings.Repeat("k", 32)))

	signed, err := g.AccessToken(Claims{Subject: "u1", TTL: -time.Minute})
	if err != nil {
		t.Fatalf("AccessToken failed: %v", err)
	}
	if _, err := g.Parse(signed); err == nil {
		t.Error("Expected an expiry failure")
	}
}
