package model

import (
	"time"

	"github.com/okian/rollcall/internal/domain/types"
)

// Frame is one image sampled from a capture session.
type Frame struct {
	Data           []byte
	ContentType    string
	CapturedAt     time.Time
	DeviceMetadata map[string]string
}

// BoundingBox is a face region in pixel coordinates.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the box area in pixels.
func (b BoundingBox) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// Detection is one face found by the detector.
type Detection struct {
	Index      int         `json:"index"`
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
}

// MatchCandidate is the matcher's answer for one query embedding.
// An empty IdentityID means no identity was accepted.
type MatchCandidate struct {
	IdentityID string  `json:"identity_id,omitempty"`
	Distance   float64 `json:"distance"`
	Confidence float64 `json:"confidence"`
	Ambiguous  bool    `json:"ambiguous,omitempty"`
	RunnerUpID string  `json:"runner_up_id,omitempty"`
}

// Matched reports whether an identity was accepted.
func (m MatchCandidate) Matched() bool { return m.IdentityID != "" && !m.Ambiguous }

// Rejection reasons and failure kinds reported per face.
const (
	ReasonBelowDetectorConfidence = "low_detector_confidence"
	ReasonUnprocessable           = "unprocessable"
	ReasonUnknown                 = "unknown"
	ReasonAmbiguous               = "ambiguous"
	ReasonAlreadyRecorded         = "already_recorded"
	ReasonPersistenceUnavailable  = "persistence_unavailable"
	ReasonConfigMissing           = "config_missing"
	ReasonCanceled                = "canceled"
)

// Skip reasons for frames that produced no face outcomes.
const (
	SkipBusy                = "busy"
	SkipThrottled           = "throttled"
	SkipStale               = "stale_frame"
	SkipInvalidFrame        = "invalid_frame"
	SkipDetectorUnavailable = "detector_unavailable"
	SkipNoFaces             = "no_faces"
)

// FaceOutcome is what happened to one detection.
type FaceOutcome struct {
	DetectionIndex int          `json:"detection_index"`
	Box            BoundingBox  `json:"box"`
	IdentityID     string       `json:"identity_id,omitempty"`
	DisplayName    string       `json:"display_name,omitempty"`
	Confidence     float64      `json:"confidence,omitempty"`
	Status         types.Status `json:"status,omitempty"`
	EventID        string       `json:"event_id,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Retryable      bool         `json:"retryable,omitempty"`
}

// FrameResult summarises a processed frame. It is always complete: every
// detection appears in exactly one of the outcome lists or in Ignored.
type FrameResult struct {
	SessionID  string            `json:"session_id"`
	Mode       types.CaptureMode `json:"mode"`
	CapturedAt time.Time         `json:"captured_at"`
	FrameRef   string            `json:"frame_ref,omitempty"`
	Skipped    bool              `json:"skipped,omitempty"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Detected   int               `json:"detected"`
	Ignored    int               `json:"ignored,omitempty"`
	Accepted   []FaceOutcome     `json:"accepted"`
	Duplicates []FaceOutcome     `json:"duplicates"`
	Rejected   []FaceOutcome     `json:"rejected"`
	Failed     []FaceOutcome     `json:"failed"`
}

// NewFrameResult returns a result with non-nil outcome slices.
func NewFrameResult(sessionID string, mode types.CaptureMode, capturedAt time.Time) FrameResult {
	return FrameResult{
		SessionID:  sessionID,
		Mode:       mode,
		CapturedAt: capturedAt,
		Accepted:   []FaceOutcome{},
		Duplicates: []FaceOutcome{},
		Rejected:   []FaceOutcome{},
		Failed:     []FaceOutcome{},
	}
}

// Retryable reports whether any face failed with a retryable error.
func (r FrameResult) Retryable() bool {
	for _, f := range r.Failed {
		if f.Retryable {
			return true
		}
	}
	return false
}
