package classify

import "errors"

var (
	// ErrCutoffNotConfigured is returned when no usable cutoff is available.
	ErrCutoffNotConfigured = errors.New("cutoff time not configured")
	// ErrInvalidTimeOfDay is returned for malformed HH:MM[:SS] values.
	ErrInvalidTimeOfDay = errors.New("invalid time of day")
)
