package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	issuer := NewTokenIssuer("test-secret-key", "tontine-manager")
	now := time.Now()

	token, err := issuer.Issue("u1", "rAlice", now)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if claims.Subject != "u1" || claims.WalletAddress != "rAlice" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if claims.ID == "" {
		t.Error("expected token id")
	}

	other, _ := issuer.Issue("u1", "rAlice", now)
	if other == token {
		t.Error("two issued tokens should differ")
	}
}

func TestParseRejectsForeignKey(t *testing.T) {
	token, err := NewTokenIssuer("key-one", "tontine-manager").Issue("u1", "rAlice", time.Now())
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := NewTokenIssuer("key-two", "tontine-manager").Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := NewTokenIssuer("key-one", "someone-else").Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
	if _, err := NewTokenIssuer("key-one", "tontine-manager").Parse("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for garbage, got %v", err)
	}
}
