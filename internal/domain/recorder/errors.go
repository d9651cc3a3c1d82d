package recorder

import "errors"

var (
	// ErrUnavailable is a retryable persistence failure.
	ErrUnavailable = errors.New("attendance store unavailable")
	// ErrAlreadyRecorded means the store already holds an event for the key.
	ErrAlreadyRecorded = errors.New("attendance already recorded")
	// ErrEventNotFound is returned when correcting an unknown event.
	ErrEventNotFound = errors.New("attendance event not found")
	// ErrInvalidCorrection is returned for empty annotations or unrecordable statuses.
	ErrInvalidCorrection = errors.New("invalid correction")
)
