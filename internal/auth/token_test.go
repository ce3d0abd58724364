package auth

import (
	"strings"
	"testing"
	"time"
)

func newTestManager(clock func() time.Time) *TokenManager {
	return NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "promptforge-auth",
		Audience:      "collab-engine",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateTokenRoundTrip(t *testing.T) {
	manager := newTestManager(nil)

	token, expiresIn, err := manager.IssueToken("user-42")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry, got %d", expiresIn)
	}

	subject, err := manager.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate token failed: %v", err)
	}
	if subject != "user-42" {
		t.Fatalf("expected subject user-42, got %s", subject)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestManager(func() time.Time { return issuedAt })

	token, _, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	validator := newTestManager(func() time.Time { return issuedAt.Add(2 * time.Hour) })
	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewTokenManager(TokenManagerConfig{SigningSecret: []byte("other-secret")})
	token, _, err := issuer.IssueToken("user-42")
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	validator := newTestManager(nil)
	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatal("expected token signed with foreign secret to be rejected")
	}
}

func TestIssueTokenRequiresSubject(t *testing.T) {
	manager := newTestManager(nil)
	if _, _, err := manager.IssueToken(""); err == nil {
		t.Fatal("expected missing subject error")
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	manager := newTestManager(nil)
	if _, err := manager.ValidateToken(strings.Repeat("x", 32)); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}
