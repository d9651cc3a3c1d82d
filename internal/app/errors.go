package service

import "errors"

var (
	// ErrConfigMissing is returned when the cutoff time or match threshold is
	// unset or malformed. It wraps the classify or matching sentinel.
	ErrConfigMissing = errors.New("attendance configuration missing")
	// ErrNotStarted is returned by capture operations before Start.
	ErrNotStarted = errors.New("service not started")
	// ErrInvalidFrame is returned for empty or undecodable frames.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrInvalidSession is returned when a session ID is missing.
	ErrInvalidSession = errors.New("invalid session")
	// ErrNoFaceFound is returned by EnrollFromImage when the image has no usable face.
	ErrNoFaceFound = errors.New("no usable face in image")
	// ErrUnknownSetting is returned for setting keys the service does not manage.
	ErrUnknownSetting = errors.New("unknown setting")
	// ErrInvalidSetting is returned when a setting value does not parse.
	ErrInvalidSetting = errors.New("invalid setting value")
)
