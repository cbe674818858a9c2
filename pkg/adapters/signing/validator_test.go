package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidator_VerifyRoundTrip(t *testing.T) {
	v := NewValidator("topsecret")
	now := time.Unix(1_700_000_000, 0).UTC()
	ts := "1700000000"
	body := `{"type":"approve"}`

	sig := v.Sign(ts, body)
	assert.NoError(t, v.Verify(ts, body, sig, now))
}

func TestValidator_NoSecretFailsClosed(t *testing.T) {
	v := NewValidator("")
	now := time.Unix(1_700_000_000, 0).UTC()
	assert.ErrorIs(t, v.Verify("1700000000", "body", "deadbeef", now), ErrSigningKeyMissing)
}

func TestValidator_StaleTimestampRejected(t *testing.T) {
	v := NewValidator("topsecret")
	ts := "1700000000"
	body := "body"
	sig := v.Sign(ts, body)

	now := time.Unix(1_700_000_000, 0).Add(6 * time.Minute).UTC()
	assert.ErrorIs(t, v.Verify(ts, body, sig, now), ErrTimestampStale)
}

func TestValidator_FutureTimestampRejected(t *testing.T) {
	v := NewValidator("topsecret")
	ts := "1700000000"
	body := "body"
	sig := v.Sign(ts, body)

	now := time.Unix(1_700_000_000, 0).Add(-6 * time.Minute).UTC()
	assert.ErrorIs(t, v.Verify(ts, body, sig, now), ErrTimestampStale)
}

func TestValidator_TamperedBodyRejected(t *testing.T) {
	v := NewValidator("topsecret")
	now := time.Unix(1_700_000_000, 0).UTC()
	ts := "1700000000"
	sig := v.Sign(ts, "original")

	assert.ErrorIs(t, v.Verify(ts, "tampered", sig, now), ErrSignatureInvalid)
}

func TestValidator_MalformedTimestampRejected(t *testing.T) {
	v := NewValidator("topsecret")
	now := time.Unix(1_700_000_000, 0).UTC()
	assert.ErrorIs(t, v.Verify("not-a-number", "body", "deadbeef", now), ErrTimestampInvalid)
}

func TestValidator_WrongSecretRejected(t *testing.T) {
	a := NewValidator("secret-a")
	b := NewValidator("secret-b")
	now := time.Unix(1_700_000_000, 0).UTC()
	ts := "1700000000"
	sig := a.Sign(ts, "body")

	assert.ErrorIs(t, b.Verify(ts, "body", sig, now), ErrSignatureInvalid)
}
