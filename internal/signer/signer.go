// Package signer implements HMAC-SHA256 request signing and verification
// for webhook deliveries, using the "t=<unix>,v1=<hex>" header format.
package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum allowed clock skew between signer and
// verifier before a signature is rejected.
const DefaultTolerance = 5 * time.Minute

// Sign computes the signature header value for payload at timestamp t,
// using secret as the HMAC-SHA256 key.
func Sign(secret, payload string, t time.Time) string {
	ts := t.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", ts, sig)
}

// Verify checks that signature was produced by Sign for payload and secret,
// within tolerance of the current time. Uses a constant-time comparison.
func Verify(secret, payload, signature string, tolerance time.Duration) bool {
	ts, sig, ok := parseSignature(signature)
	if !ok {
		return false
	}

	now := time.Now().Unix()
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > tolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(sig))
}

func parseSignature(signature string) (ts int64, sig string, ok bool) {
	parts := strings.Split(signature, ",")
	var tsStr string
	var haveTS, haveSig bool
	for _, part := range parts {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			tsStr = kv[1]
			haveTS = true
		case "v1":
			sig = kv[1]
			haveSig = true
		}
	}
	if !haveTS || !haveSig {
		return 0, "", false
	}
	parsed, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return parsed, sig, true
}

// GenerateSecret returns a new random, URL-safe secret suitable for HMAC
// signing, matching the entropy of a 32-byte random token.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signer: failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
