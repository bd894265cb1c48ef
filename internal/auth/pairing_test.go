package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	pairing := NewPairing(PairingConfig{Secret: []byte("shared-secret")})

	token, err := pairing.IssueToken("companion")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	role, err := pairing.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if role != "companion" {
		t.Fatalf("expected role companion, got %q", role)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewPairing(PairingConfig{Secret: []byte("secret-a")})
	validator := NewPairing(PairingConfig{Secret: []byte("secret-b")})

	token, err := issuer.IssueToken("primary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatalf("expected validation to fail with mismatched secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	issuer := NewPairing(PairingConfig{
		Secret:   []byte("shared-secret"),
		TokenTTL: time.Minute,
		Clock:    func() time.Time { return issuedAt },
	})
	token, err := issuer.IssueToken("primary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	validator := NewPairing(PairingConfig{
		Secret: []byte("shared-secret"),
		Clock:  func() time.Time { return issuedAt.Add(time.Hour) },
	})
	if _, err := validator.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestIssueTokenRequiresSecretAndRole(t *testing.T) {
	missingSecret := NewPairing(PairingConfig{})
	if _, err := missingSecret.IssueToken("primary"); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}

	pairing := NewPairing(PairingConfig{Secret: []byte("shared-secret")})
	if _, err := pairing.IssueToken(""); err == nil {
		t.Fatalf("expected missing role to be rejected")
	}
}
