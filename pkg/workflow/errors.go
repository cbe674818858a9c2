package workflow

import "errors"

// Sentinel errors for the workflow state machine, following the
// package-level sentinel-error idiom used throughout this codebase.
var (
	// ErrConcurrentModification is returned when a transition's expected
	// version does not match the persisted version. Callers recover
	// locally: the executor logs and exits expecting the winning
	// instance to continue, the timeout manager skips to the next
	// candidate. Never surfaced to end users.
	ErrConcurrentModification = errors.New("workflow: concurrent modification")

	// ErrInvalidTransition is returned when the requested (from, to) pair
	// is not in the allowed-edge table.
	ErrInvalidTransition = errors.New("workflow: invalid state transition")

	// ErrNotFound is returned when a workflow id does not exist.
	ErrNotFound = errors.New("workflow: not found")

	// ErrRetryNotAllowed is returned by Retry when the workflow is not in
	// FAILED/TIMEOUT, or retry_count >= max_retries.
	ErrRetryNotAllowed = errors.New("workflow: retry not allowed")
)
