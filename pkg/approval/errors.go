package approval

import "errors"

// Approval service errors. Callers at the HTTP boundary map these to
// distinct status codes (401/409/410/422).
var (
	ErrTokenInvalid      = errors.New("approval: callback token invalid or unverifiable")
	ErrApprovalExpired   = errors.New("approval: expired")
	ErrAlreadyDecided    = errors.New("approval: already decided")
	ErrNotFound          = errors.New("approval: not found")
	ErrNotRollbackable   = errors.New("approval: not in a terminal decision state")
	ErrSigningKeyMissing = errors.New("approval: no signing key configured")
)
