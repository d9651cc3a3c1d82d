// Package precomputed reads detections and embeddings that an edge device
// already computed and shipped inside the frame body as JSON.
package precomputed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/vision"
)

// ContentType is the media type of a precomputed frame payload.
const ContentType = "application/vnd.rollcall.faces+json"

// Face is one entry of the payload.
type Face struct {
	Box        model.BoundingBox `json:"box"`
	Confidence float64           `json:"confidence"`
	Embedding  []float32         `json:"embedding"`
	Model      string            `json:"model,omitempty"`
}

// Payload is the frame body.
type Payload struct {
	Faces []Face `json:"faces"`
}

// Encode renders faces as a frame body.
func Encode(faces ...Face) ([]byte, error) {
	return json.Marshal(Payload{Faces: faces})
}

// Pipeline implements vision.Pipeline over precomputed payloads.
type Pipeline struct {
	defaultModel string
	minFaceSize  int
}

var _ vision.Pipeline = (*Pipeline)(nil)

// Option configures the pipeline.
type Option func(*Pipeline)

// WithDefaultModel names the model for faces that omit it.
func WithDefaultModel(name string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.defaultModel = name
		}
	}
}

// WithMinFaceSize rejects faces whose shorter side is below px.
func WithMinFaceSize(px int) Option {
	return func(p *Pipeline) {
		if px >= 0 {
			p.minFaceSize = px
		}
	}
}

// New creates a precomputed pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{defaultModel: "precomputed"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements vision.Pipeline.
func (p *Pipeline) Name() string { return "precomputed" }

func decode(f model.Frame) (Payload, error) {
	var pl Payload
	if err := json.Unmarshal(f.Data, &pl); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", vision.ErrUnsupportedFrame, err)
	}
	return pl, nil
}

// Detect returns one detection per face in payload order.
func (p *Pipeline) Detect(ctx context.Context, f model.Frame) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pl, err := decode(f)
	if err != nil {
		return nil, err
	}
	out := make([]model.Detection, len(pl.Faces))
	for i, face := range pl.Faces {
		out[i] = model.Detection{Index: i, Box: face.Box, Confidence: face.Confidence}
	}
	return out, nil
}

// Extract returns the embedding shipped with detection d.
func (p *Pipeline) Extract(ctx context.Context, f model.Frame, d model.Detection) (model.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return model.Embedding{}, err
	}
	pl, err := decode(f)
	if err != nil {
		return model.Embedding{}, err
	}
	if d.Index < 0 || d.Index >= len(pl.Faces) {
		return model.Embedding{}, fmt.Errorf("detection %d: %w", d.Index, vision.ErrUnprocessableRegion)
	}
	face := pl.Faces[d.Index]
	if p.minFaceSize > 0 && (face.Box.Width < p.minFaceSize || face.Box.Height < p.minFaceSize) {
		return model.Embedding{}, fmt.Errorf("face %dx%d below %dpx: %w",
			face.Box.Width, face.Box.Height, p.minFaceSize, vision.ErrUnprocessableRegion)
	}
	emb := model.Embedding{Values: append([]float32(nil), face.Embedding...), Model: face.Model}
	if emb.Model == "" {
		emb.Model = p.defaultModel
	}
	if !emb.Valid() {
		return model.Embedding{}, fmt.Errorf("detection %d has no usable embedding: %w", d.Index, vision.ErrUnprocessableRegion)
	}
	return emb, nil
}
