package signing

import "errors"

// Signature validation errors.
var (
	ErrSigningKeyMissing = errors.New("signing: no secret configured")
	ErrSignatureInvalid  = errors.New("signing: signature mismatch")
	ErrTimestampInvalid  = errors.New("signing: timestamp header is not a valid unix timestamp")
	ErrTimestampStale    = errors.New("signing: timestamp is outside the replay window")
)
