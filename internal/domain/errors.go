package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrJobNotFound is returned when a requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyPrompt is returned when a submission carries no prompt text.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrInvalidStatus is returned when a status value is not one of the
	// canonical lifecycle states.
	ErrInvalidStatus = errors.New("invalid job status")

	// ErrInvalidTransition is returned when a status update would violate
	// the pending→processing→{completed,failed} state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")
)
