package hashing

import "testing"

func TestDigestIsDeterministic(t *testing.T) {
	a := Digest("salt1", "foo")
	b := Digest("salt1", "foo")
	if a != b {
		t.Fatalf("expected deterministic digest, got %q vs %q", a, b)
	}
}

func TestDigestVariesWithSalt(t *testing.T) {
	a := Digest("salt1", "foo")
	b := Digest("salt2", "foo")
	if a == b {
		t.Fatalf("expected different salts to produce different digests")
	}
}

func TestDeviceIDMatchesDerivationFormula(t *testing.T) {
	a := DeviceID("salt", "hashedip", "desktop")
	b := Digest("salt", "hashedip"+"desktop"+"device")
	if a != b {
		t.Fatalf("DeviceID should be H(hashedIP || deviceType || \"device\")")
	}
}

func TestMergedDeviceIDMatchesDerivationFormula(t *testing.T) {
	a := MergedDeviceID("salt", "home-wifi")
	b := Digest("salt", "home-wifi"+"mergedDevice")
	if a != b {
		t.Fatalf("MergedDeviceID should be H(wifiSSID || \"mergedDevice\")")
	}
}

func TestSharedAndSoloUserIDsDiffer(t *testing.T) {
	shared := SameUserFromEmail("salt", "hashed-email")
	solo := SoloUserID("salt", "device1", "", "")
	if shared == solo {
		t.Fatalf("shared and solo user ids must not collide")
	}
}

func TestSameUserFromEmailAndProfileShareDerivation(t *testing.T) {
	fromEmail := SameUserFromEmail("salt", "same-value")
	fromProfile := SameUserFromProfile("salt", "same-value")
	if fromEmail != fromProfile {
		t.Fatalf("SameUserFromEmail and SameUserFromProfile must derive the same id for the same raw value, got %s and %s", fromEmail, fromProfile)
	}
}

func TestSharedAndSoloHouseholdIDsDiffer(t *testing.T) {
	shared := SharedHouseholdID("salt", "home-wifi")
	solo := SoloHouseholdID("salt", "user1")
	if shared == solo {
		t.Fatalf("shared and solo household ids must not collide")
	}
}

func TestEmailIndexKeyDoesNotEqualRawEmail(t *testing.T) {
	if EmailIndexKey("salt", "hashed-email") == "hashed-email" {
		t.Fatalf("EmailIndexKey must not return the raw hashedEmail value")
	}
}
