package auth

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestGenerateAndParseToken(t *testing.T) {
	caps := []string{"chat.*", "models.list"}
	signed, err := GenerateToken(testSecret, "alice", "acme", "sess-1", 7, caps, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseToken(testSecret, signed)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "alice" || claims.TenantID != "acme" || claims.SessionID != "sess-1" {
		t.Errorf("claims identity = %s/%s/%s", claims.Subject, claims.TenantID, claims.SessionID)
	}
	if claims.ScopeVersion != 7 {
		t.Errorf("scope version = %d, want 7", claims.ScopeVersion)
	}
	if len(claims.Capabilities) != 2 {
		t.Errorf("capabilities = %v", claims.Capabilities)
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	signed, err := GenerateToken(testSecret, "alice", "acme", "sess-1", 1, nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	other := []byte("ffffffffffffffffffffffffffffffff")
	if _, err := ParseToken(other, signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ParseToken with wrong secret = %v, want ErrInvalidToken", err)
	}
}

func TestParseToken_Expired(t *testing.T) {
	signed, err := GenerateToken(testSecret, "alice", "acme", "sess-1", 1, nil, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseToken(testSecret, signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ParseToken of expired token = %v, want ErrInvalidToken", err)
	}
}

func TestParseToken_Garbage(t *testing.T) {
	if _, err := ParseToken(testSecret, "not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ParseToken of garbage = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshTokens(t *testing.T) {
	a, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	b, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("GenerateRefreshToken: %v", err)
	}
	if a == b {
		t.Error("refresh tokens must be unique")
	}
	if len(a) != 64 {
		t.Errorf("refresh token length = %d, want 64 hex chars", len(a))
	}
	if HashToken(a) == HashToken(b) {
		t.Error("different tokens must hash differently")
	}
	if HashToken(a) != HashToken(a) {
		t.Error("hashing must be deterministic")
	}
}
