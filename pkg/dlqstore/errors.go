package dlqstore

import "errors"

// ErrNotFound is returned when a dead-letter entry id does not exist.
var ErrNotFound = errors.New("dlqstore: entry not found")
