package service

import (
	"time"

	"github.com/okian/rollcall/internal/adapters/mq/worker"
	"github.com/okian/rollcall/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocation sets the zone that defines calendar days and the cutoff.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMinDetectorConfidence drops detections scoring below c.
func WithMinDetectorConfidence(c float64) Option {
	return func(s *Service) {
		if c >= 0 && c <= 1 {
			s.minDetectorConfidence = c
		}
	}
}

// WithFrameInterval sets the minimum spacing between sampled frames per session.
func WithFrameInterval(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.frameInterval = d
		}
	}
}

// WithInferenceTimeout bounds each detect and extract call.
func WithInferenceTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.inferenceTimeout = d
		}
	}
}

// WithPersistenceTimeout bounds each attendance insert.
func WithPersistenceTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.persistenceTimeout = d
		}
	}
}

// WithSessionIdleTimeout forgets sessions that have not sent a frame for d.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sessionIdleTimeout = d
		}
	}
}

// WithMaxFrameSkew skips frames whose capture time is further than d from now.
// Zero disables the check.
func WithMaxFrameSkew(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.maxFrameSkew = d
		}
	}
}

// WithFaceParallelism caps concurrent detections processed per multi-face frame.
func WithFaceParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.faceParallelism = n
		}
	}
}

// WithClaimShards sets the number of claim table shards.
func WithClaimShards(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.claimShards = n
		}
	}
}

// WithRetentionDays keeps this many days in the claim table.
func WithRetentionDays(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.retentionDays = n
		}
	}
}

// WithAmbiguityEpsilon sets the runner-up margin below which matches are ambiguous.
func WithAmbiguityEpsilon(eps float64) Option {
	return func(s *Service) {
		if eps >= 0 {
			s.ambiguityEpsilon = eps
		}
	}
}

// WithHNSW enables the approximate candidate index above minSamples samples.
func WithHNSW(minSamples, k int) Option {
	return func(s *Service) {
		s.hnswMinSamples = minSamples
		s.hnswK = k
	}
}

// WithMaxSamplesPerIdentity caps stored samples per identity.
func WithMaxSamplesPerIdentity(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSamples = n
		}
	}
}

// WithNotifications sets the sink, queue size and worker count for status changes.
// A nil sink disables notifications.
func WithNotifications(sink worker.Sink, queueSize, workers int) Option {
	return func(s *Service) {
		s.sink = sink
		if queueSize > 0 {
			s.queueSize = queueSize
		}
		if workers > 0 {
			s.workerCount = workers
		}
	}
}

// WithSettingDefaults seeds cutoff and threshold on Start when the settings
// store has none. Empty values seed nothing.
func WithSettingDefaults(cutoff, threshold string) Option {
	return func(s *Service) {
		s.defaultCutoff = cutoff
		s.defaultThreshold = threshold
	}
}
