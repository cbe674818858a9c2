// Package signing verifies inbound signed payloads from chat/adapter
// platforms (Slack-style "timestamp + body" HMAC signatures), distinct
// from the approval callback token minted in pkg/approval.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// ReplayWindow bounds how old an inbound timestamp may be before the
// payload is rejected as a possible replay.
const ReplayWindow = 5 * time.Minute

// Validator verifies hmac(secret, timestamp||body) against a header
// value supplied by the adapter platform. A zero-value Validator (no
// secret) fails every verification, by design.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator around secret. An empty secret is
// accepted here and rejected at Verify time, so construction never
// needs to fail closed itself.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Verify checks that signatureHex is the hex-encoded HMAC-SHA256 of
// timestamp||body under the configured secret, and that timestamp
// (UTC seconds) falls within ReplayWindow of now. Verification fails
// closed: a missing secret, a malformed timestamp, a stale timestamp,
// and a MAC mismatch are all reported as distinct sentinel errors so
// callers can log the reason without leaking it to the adapter.
func (v *Validator) Verify(timestampHeader, body, signatureHex string, now time.Time) error {
	if len(v.secret) == 0 {
		return ErrSigningKeyMissing
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrTimestampInvalid
	}
	sent := time.Unix(ts, 0).UTC()
	if d := now.UTC().Sub(sent); d > ReplayWindow || d < -ReplayWindow {
		return ErrTimestampStale
	}

	want := v.sign(timestampHeader, body)
	got, err := hex.DecodeString(signatureHex)
	if err != nil || !hmac.Equal(want, got) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign computes the hex-encoded HMAC-SHA256 of timestamp||body, for
// adapters that need to produce a signature rather than verify one
// (outbound test fixtures, adapter simulators).
func (v *Validator) Sign(timestamp, body string) string {
	return hex.EncodeToString(v.sign(timestamp, body))
}

func (v *Validator) sign(timestamp, body string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return mac.Sum(nil)
}
