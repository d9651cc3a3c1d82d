// Package types holds the small enumerations shared by every layer.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownValue is returned when an enumeration string is not recognised.
var ErrUnknownValue = errors.New("unknown enumeration value")

// Status is the attendance classification of a recorded event.
type Status string

const (
	StatusOnTime Status = "on_time"
	StatusLate   Status = "late"
	// StatusAbsent is inferred by the daily summary and never recorded.
	StatusAbsent Status = "absent"
)

// ParseStatus accepts on_time/late/absent, plus "present" as an alias for on_time.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on_time", "ontime", "present":
		return StatusOnTime, nil
	case "late":
		return StatusLate, nil
	case "absent":
		return StatusAbsent, nil
	}
	return "", fmt.Errorf("status %q: %w", s, ErrUnknownValue)
}

// Recordable reports whether events may carry this status.
func (s Status) Recordable() bool {
	return s == StatusOnTime || s == StatusLate
}

// CaptureMode selects how many faces per frame are processed.
type CaptureMode string

const (
	ModeSingle CaptureMode = "single"
	ModeMulti  CaptureMode = "multi"
)

// ParseCaptureMode parses a mode; empty defaults to single.
func ParseCaptureMode(s string) (CaptureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single":
		return ModeSingle, nil
	case "multi", "multiple":
		return ModeMulti, nil
	}
	return "", fmt.Errorf("capture mode %q: %w", s, ErrUnknownValue)
}
