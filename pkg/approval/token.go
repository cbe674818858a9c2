package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// TokenService mints and verifies opaque callback tokens. A token is an
// unguessable envelope carrying the approval id and expiry, integrity
// protected with a keyed MAC over the whole payload; it is not a JWT and
// carries no claims beyond what the approval service itself needs.
//
// Verification fails closed: with no signing key configured, every
// verification attempt returns ErrTokenInvalid rather than trusting an
// unsigned token.
type TokenService struct {
	key []byte
}

// NewTokenService creates a TokenService. An empty key is accepted here
// (callers pass the raw SIGNING_KEY configuration value, which may be
// unset in a misconfigured deployment); Verify and Mint both fail closed
// on an empty key rather than at construction time, so the zero value is
// safe to wire through dependency injection before configuration loads.
func NewTokenService(key string) *TokenService {
	return &TokenService{key: []byte(key)}
}

type tokenPayload struct {
	ApprovalID string    `json:"approval_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Mint produces an opaque callback token bound to approvalID and expiring
// at expiresAt. Returns ErrSigningKeyMissing if no signing key is
// configured.
func (s *TokenService) Mint(approvalID string, expiresAt time.Time) (string, error) {
	if len(s.key) == 0 {
		return "", ErrSigningKeyMissing
	}

	payload, err := json.Marshal(tokenPayload{ApprovalID: approvalID, ExpiresAt: expiresAt})
	if err != nil {
		return "", fmt.Errorf("approval: marshal token payload: %w", err)
	}

	mac := s.sign(payload)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	encodedMAC := base64.RawURLEncoding.EncodeToString(mac)
	return encodedPayload + "." + encodedMAC, nil
}

// Verify validates token and returns the approval id it is bound to.
// Verification is fail-closed: an unconfigured signing key, a malformed
// envelope, or a MAC mismatch all return ErrTokenInvalid without
// distinguishing which, so callers cannot use error contents to probe the
// scheme.
func (s *TokenService) Verify(token string) (string, error) {
	if len(s.key) == 0 {
		return "", ErrTokenInvalid
	}

	payloadPart, macPart, ok := splitToken(token)
	if !ok {
		return "", ErrTokenInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return "", ErrTokenInvalid
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return "", ErrTokenInvalid
	}

	expected := s.sign(payload)
	if !hmac.Equal(mac, expected) {
		return "", ErrTokenInvalid
	}

	var p tokenPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", ErrTokenInvalid
	}
	if p.ApprovalID == "" {
		return "", ErrTokenInvalid
	}

	return p.ApprovalID, nil
}

func (s *TokenService) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil)
}

func splitToken(token string) (payload, mac string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}
