package dedupe

import "errors"

var (
	// ErrNotHeld is returned when committing a claim that was not granted or
	// was already settled.
	ErrNotHeld = errors.New("claim not held")
	// ErrLookupFailed wraps storage failures while checking for an existing event.
	ErrLookupFailed = errors.New("attendance lookup failed")
)
