package crypto

import "testing"

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if err := CheckPassword(hash, "secret"); err != nil {
		t.Fatalf("expected password to match")
	}
	if err := CheckPassword(hash, "wrong"); err == nil {
		t.Fatalf("expected password mismatch")
	}
	BurnPasswordCheck("anything")
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("") != "" {
		t.Fatalf("expected empty fingerprint for empty token")
	}
	a := Fingerprint("token-a")
	if len(a) != 16 {
		t.Fatalf("expected 16 chars, got %d", len(a))
	}
	if a != Fingerprint("token-a") {
		t.Fatalf("expected stable fingerprint")
	}
	if a == Fingerprint("token-b") {
		t.Fatalf("expected distinct fingerprints")
	}
}
