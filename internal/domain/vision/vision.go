// Package vision defines the perception boundary: face detection and
// embedding extraction. Implementations live under internal/adapters/vision.
package vision

import (
	"context"
	"errors"

	"github.com/okian/rollcall/internal/domain/model"
)

var (
	// ErrUnprocessableRegion means the extractor could not produce a usable
	// embedding for a detection (blur, occlusion, too small). It is never retried.
	ErrUnprocessableRegion = errors.New("unprocessable face region")
	// ErrDetectorUnavailable means the detector could not run at all.
	ErrDetectorUnavailable = errors.New("detector unavailable")
	// ErrUnsupportedFrame means the frame payload could not be decoded.
	ErrUnsupportedFrame = errors.New("unsupported frame payload")
)

// Detector finds faces in a frame. Zero detections is not an error.
type Detector interface {
	Detect(ctx context.Context, f model.Frame) ([]model.Detection, error)
}

// Extractor turns one detected face into an embedding.
type Extractor interface {
	Extract(ctx context.Context, f model.Frame, d model.Detection) (model.Embedding, error)
}

// Pipeline bundles a detector and extractor that understand the same frames.
type Pipeline interface {
	Detector
	Extractor
	Name() string
}
