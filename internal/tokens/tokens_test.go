package tokens

import (
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer("test-secret")
	now := time.Now()
	signed, err := issuer.Issue("device-123", "household-456", now)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	claims, err := issuer.Verify(signed)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "device-123" || claims.HouseholdID != "household-456" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed, _ := NewIssuer("secret-a").Issue("d1", "h1", time.Now())
	if _, err := NewIssuer("secret-b").Verify(signed); err == nil {
		t.Fatalf("expected verification to fail with a different secret")
	}
}

func TestExpiryIsTwentyFourHours(t *testing.T) {
	issuer := NewIssuer("secret")
	now := time.Now()
	signed, _ := issuer.Issue("d1", "h1", now)
	claims, err := issuer.Verify(signed)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	got := claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time)
	if got != TTL {
		t.Fatalf("expected 24h expiry window, got %v", got)
	}
}
