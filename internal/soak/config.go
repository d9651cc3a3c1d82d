// Package soak drives a running rollcall server with concurrent synthetic
// capture sessions and verifies that each identity is recorded at most once
// per day.
package soak

import "time"

// Config holds configuration for a soak run.
type Config struct {
	BaseURL          string        // Base URL of the service
	Identities       int           // Synthetic identities to enroll
	Sessions         int           // Concurrent capture sessions
	FramesPerSession int           // Frames posted by each session
	FacesPerFrame    int           // Upper bound of faces in one frame
	Timeout          time.Duration // HTTP request timeout
	Model            string        // Embedding model tag for synthetic vectors
	Seed             uint64        // RNG seed; 0 picks one from the clock
	Progress         bool          // Render a progress bar
}

// DefaultConfig returns a small run suitable for a local server.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:9080",
		Identities:       50,
		Sessions:         8,
		FramesPerSession: 40,
		FacesPerFrame:    3,
		Timeout:          10 * time.Second,
		Model:            "soak-v1",
		Progress:         true,
	}
}

// Stats holds run counters.
type Stats struct {
	FramesPosted   int
	FramesFailed   int
	FramesSkipped  int
	Accepted       int
	Duplicates     int
	Rejected       int
	FailedFaces    int
	Identities     int
	SeenIdentities int
	Recorded       int
	StartTime      time.Time
	Duration       time.Duration
}
