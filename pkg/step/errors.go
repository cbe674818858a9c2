package step

import "errors"

var (
	// ErrHandlerNotRegistered is a permanent step failure: the step's
	// task_handler has no registered implementation.
	ErrHandlerNotRegistered = errors.New("step: task handler not registered")

	// ErrNotFound is returned when a step id does not exist.
	ErrNotFound = errors.New("step: not found")
)
