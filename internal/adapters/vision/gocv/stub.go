//go:build !gocv

package gocv

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/vision"
)

// ModelName tags embeddings produced by this pipeline.
const ModelName = "openface-nn4.small2.v1"

// ErrNotBuilt is returned when the binary was built without the gocv tag.
var ErrNotBuilt = errors.New("gocv support not compiled in (build with -tags gocv)")

// Pipeline is unavailable in this build.
type Pipeline struct{}

var _ vision.Pipeline = (*Pipeline)(nil)

// Open always fails in this build.
func Open(cascadePath, modelPath string, minFaceSize int) (*Pipeline, error) {
	return nil, fmt.Errorf("%w: %w", ErrNotBuilt, vision.ErrDetectorUnavailable)
}

// Name implements vision.Pipeline.
func (p *Pipeline) Name() string { return "gocv" }

// Close is a no-op.
func (p *Pipeline) Close() error { return nil }

// Detect implements vision.Detector.
func (p *Pipeline) Detect(context.Context, model.Frame) ([]model.Detection, error) {
	return nil, ErrNotBuilt
}

// Extract implements vision.Extractor.
func (p *Pipeline) Extract(context.Context, model.Frame, model.Detection) (model.Embedding, error) {
	return model.Embedding{}, ErrNotBuilt
}
