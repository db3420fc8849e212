package generation

import "errors"

// Common errors returned by generation backends.
var (
	// ErrBackendUnavailable is returned when the backend cannot be reached
	// or has no models loaded. It is transient from the system's point of
	// view but terminal for the job once probe retries are exhausted.
	ErrBackendUnavailable = errors.New("generation backend unavailable")

	// ErrInvalidResponse is returned when the backend's response cannot be
	// decoded. Callers degrade to plain-text handling where possible.
	ErrInvalidResponse = errors.New("invalid response from generation backend")

	// ErrInvalidConfig is returned when a backend client is constructed
	// with unusable configuration.
	ErrInvalidConfig = errors.New("invalid generator configuration")
)
