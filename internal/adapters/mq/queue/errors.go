package queue

import "errors"

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("notification queue full")
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("notification queue closed")
)
