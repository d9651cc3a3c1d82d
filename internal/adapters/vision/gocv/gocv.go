//go:build gocv

// Package gocv runs detection and extraction in-process through OpenCV: a
// Haar cascade finds faces and an OpenFace Torch network embeds them.
package gocv

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	cv "gocv.io/x/gocv"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/vision"
)

const (
	// ModelName tags embeddings produced by this pipeline.
	ModelName = "openface-nn4.small2.v1"

	inputSize = 96
)

// Pipeline implements vision.Pipeline with OpenCV. Net is not safe for
// concurrent use, so forward passes are serialized.
type Pipeline struct {
	mu          sync.Mutex
	cascade     cv.CascadeClassifier
	net         cv.Net
	minFaceSize int
}

var _ vision.Pipeline = (*Pipeline)(nil)

// Open loads the cascade XML and the Torch embedding model.
func Open(cascadePath, modelPath string, minFaceSize int) (*Pipeline, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	cascade := cv.NewCascadeClassifier()
	if !cascade.Load(cascadePath) {
		cascade.Close()
		return nil, fmt.Errorf("load cascade classifier %s: %w", cascadePath, vision.ErrDetectorUnavailable)
	}
	net := cv.ReadNetFromTorch(modelPath)
	if net.Empty() {
		cascade.Close()
		return nil, fmt.Errorf("load embedding network %s: %w", modelPath, vision.ErrDetectorUnavailable)
	}
	if err := net.SetPreferableBackend(cv.NetBackendDefault); err != nil {
		return nil, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(cv.NetTargetCPU); err != nil {
		return nil, fmt.Errorf("set target: %w", err)
	}
	return &Pipeline{cascade: cascade, net: net, minFaceSize: minFaceSize}, nil
}

// Name implements vision.Pipeline.
func (p *Pipeline) Name() string { return "gocv" }

// Close releases the OpenCV resources.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.cascade.Close(); err != nil {
		return err
	}
	return p.net.Close()
}

func decode(f model.Frame) (cv.Mat, error) {
	mat, err := cv.IMDecode(f.Data, cv.IMReadColor)
	if err != nil {
		return cv.Mat{}, fmt.Errorf("%w: %w", vision.ErrUnsupportedFrame, err)
	}
	if mat.Empty() {
		mat.Close()
		return cv.Mat{}, fmt.Errorf("decoded image is empty: %w", vision.ErrUnsupportedFrame)
	}
	return mat, nil
}

// Detect runs the cascade on a grayscale copy of the frame. Haar cascades
// carry no score, so every detection reports confidence 1.
func (p *Pipeline) Detect(ctx context.Context, f model.Frame) ([]model.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := decode(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	gray := cv.NewMat()
	defer gray.Close()
	if err := cv.CvtColor(mat, &gray, cv.ColorBGRToGray); err != nil {
		return nil, fmt.Errorf("%w: grayscale: %w", vision.ErrDetectorUnavailable, err)
	}

	minSize := image.Pt(p.minFaceSize, p.minFaceSize)
	p.mu.Lock()
	rects := p.cascade.DetectMultiScaleWithParams(gray, 1.1, 5, 0, minSize, image.Pt(0, 0))
	p.mu.Unlock()

	out := make([]model.Detection, len(rects))
	for i, r := range rects {
		out[i] = model.Detection{
			Index:      i,
			Box:        model.BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()},
			Confidence: 1,
		}
	}
	return out, nil
}

// Extract embeds the face region into a 128-d OpenFace vector.
func (p *Pipeline) Extract(ctx context.Context, f model.Frame, d model.Detection) (model.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return model.Embedding{}, err
	}
	if d.Box.Width < p.minFaceSize || d.Box.Height < p.minFaceSize {
		return model.Embedding{}, fmt.Errorf("face %dx%d: %w", d.Box.Width, d.Box.Height, vision.ErrUnprocessableRegion)
	}
	mat, err := decode(f)
	if err != nil {
		return model.Embedding{}, err
	}
	defer mat.Close()

	rect := image.Rect(d.Box.X, d.Box.Y, d.Box.X+d.Box.Width, d.Box.Y+d.Box.Height).
		Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	if rect.Empty() {
		return model.Embedding{}, fmt.Errorf("box outside frame: %w", vision.ErrUnprocessableRegion)
	}
	face := mat.Region(rect)
	defer face.Close()

	blob := cv.BlobFromImage(face, 1.0/255, image.Pt(inputSize, inputSize), cv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	p.mu.Lock()
	p.net.SetInput(blob, "")
	output := p.net.Forward("")
	p.mu.Unlock()
	defer output.Close()

	values := make([]float32, output.Total())
	for i := range values {
		values[i] = output.GetFloatAt(0, i)
	}
	emb := model.Embedding{Values: values, Model: ModelName}
	if !emb.Valid() {
		return model.Embedding{}, fmt.Errorf("degenerate embedding: %w", vision.ErrUnprocessableRegion)
	}
	return emb, nil
}
