package signer

import (
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := "whsec_test"
	payload := `{"event":"task.completed"}`
	now := time.Now()

	sig := Sign(secret, payload, now)
	if !Verify(secret, payload, sig, DefaultTolerance) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := "whsec_test"
	sig := Sign(secret, `{"amount":100}`, time.Now())
	if Verify(secret, `{"amount":100000}`, sig, DefaultTolerance) {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := "hello"
	sig := Sign("secret-a", payload, time.Now())
	if Verify("secret-b", payload, sig, DefaultTolerance) {
		t.Fatal("expected verification with wrong secret to fail")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	payload := "hello"
	old := time.Now().Add(-1 * time.Hour)
	sig := Sign(secret, payload, old)
	if Verify(secret, payload, sig, DefaultTolerance) {
		t.Fatal("expected stale timestamp outside tolerance to fail")
	}
}

func TestVerifyAcceptsWithinTolerance(t *testing.T) {
	secret := "whsec_test"
	payload := "hello"
	recent := time.Now().Add(-2 * time.Minute)
	sig := Sign(secret, payload, recent)
	if !Verify(secret, payload, sig, DefaultTolerance) {
		t.Fatal("expected signature within tolerance to verify")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	if Verify("secret", "payload", "not-a-valid-signature", DefaultTolerance) {
		t.Fatal("expected malformed signature to fail verification")
	}
	if Verify("secret", "payload", "t=notanumber,v1=abcd", DefaultTolerance) {
		t.Fatal("expected non-numeric timestamp to fail verification")
	}
}

func TestGenerateSecretIsUniqueAndNonEmpty(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty secrets")
	}
	if a == b {
		t.Fatal("expected distinct secrets on successive calls")
	}
}
