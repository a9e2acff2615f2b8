package privacy

import (
	"testing"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

func allowedTCF() TCFConsent {
	return TCFConsent{Valid: true, VendorConsented: true, PurposesAllowed: map[int]bool{1: true, 2: true}}
}

func TestGateAllowsWhenAllSignalsPositive(t *testing.T) {
	g := NewGate()
	ok, reason := g.Evaluate(models.ConsentContext{CrossDeviceBridging: true}, allowedTCF())
	if !ok {
		t.Fatalf("expected allow, got deny: %s", reason)
	}
}

func TestGateDeniesWithoutBridgingFlag(t *testing.T) {
	g := NewGate()
	ok, _ := g.Evaluate(models.ConsentContext{CrossDeviceBridging: false}, allowedTCF())
	if ok {
		t.Fatalf("expected deny when cross-device bridging flag unset")
	}
}

func TestGateDeniesMissingTCFPurpose(t *testing.T) {
	g := NewGate()
	tcf := TCFConsent{Valid: true, VendorConsented: true, PurposesAllowed: map[int]bool{1: true}}
	ok, _ := g.Evaluate(models.ConsentContext{CrossDeviceBridging: true}, tcf)
	if ok {
		t.Fatalf("expected deny when purpose 2 not granted")
	}
}

func TestGateDeniesUSPrivacyOptOut(t *testing.T) {
	g := NewGate()
	for _, usp := range []string{"1CYN", "1YYY"} {
		ok, _ := g.Evaluate(models.ConsentContext{CrossDeviceBridging: true, USPrivacyString: usp}, TCFConsent{})
		if ok {
			t.Fatalf("expected deny for opt-out string %q", usp)
		}
	}
}

func TestDecodeTCFMalformedStringsAreInvalid(t *testing.T) {
	for _, raw := range []string{"", "short", "!!!!-not-base64-!!!!"} {
		if got := DecodeTCF(raw); got.Valid {
			t.Errorf("DecodeTCF(%q).Valid = true, want false", raw)
		}
	}
}

func TestUSPrivacyDenyCondition(t *testing.T) {
	for _, tc := range []struct {
		usp  string
		deny bool
	}{
		{"1CYN", true},
		{"1YYY", true},
		{"1CNN", false},
		{"1YNN", false},
		{"1---", false},
		{"bad", false},
		{"", false},
	} {
		if got := ParseUSPrivacy(tc.usp).denies(); got != tc.deny {
			t.Errorf("ParseUSPrivacy(%q).denies() = %v, want %v", tc.usp, got, tc.deny)
		}
	}
}
