package matching

import "errors"

var (
	// ErrThresholdNotConfigured is returned when the match threshold is unset
	// or outside (0, 1].
	ErrThresholdNotConfigured = errors.New("match threshold not configured")
	// ErrInvalidQuery is returned for empty, zero or non-finite query vectors.
	ErrInvalidQuery = errors.New("invalid query embedding")
)
