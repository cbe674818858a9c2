package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_MintVerifyRoundTrip(t *testing.T) {
	svc := NewTokenService("super-secret-signing-key")

	token, err := svc.Mint("approval-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "approval-1", id)
}

func TestTokenService_NoSigningKeyFailsClosed(t *testing.T) {
	svc := NewTokenService("")

	_, err := svc.Mint("approval-1", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrSigningKeyMissing)

	_, err = svc.Verify("anything")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_TamperedPayloadRejected(t *testing.T) {
	svc := NewTokenService("super-secret-signing-key")
	token, err := svc.Mint("approval-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	payloadPart, macPart, ok := splitToken(token)
	require.True(t, ok)

	otherToken, err := svc.Mint("approval-2", time.Now().Add(time.Hour))
	require.NoError(t, err)
	otherPayloadPart, _, ok := splitToken(otherToken)
	require.True(t, ok)

	tampered := otherPayloadPart + "." + macPart
	_, err = svc.Verify(tampered)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.Verify(payloadPart + "." + macPart[:len(macPart)-1])
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_WrongKeyRejected(t *testing.T) {
	minter := NewTokenService("key-a")
	verifier := NewTokenService("key-b")

	token, err := minter.Mint("approval-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_MalformedTokenRejected(t *testing.T) {
	svc := NewTokenService("super-secret-signing-key")
	_, err := svc.Verify("not-a-valid-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
