// Package remote talks to an inference server over HTTP. Detection posts the
// whole frame; extraction crops the face locally and posts only the crop.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // frame decoders
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/vision"
)

const (
	defaultBaseURL  = "http://localhost:8000"
	defaultCropSize = 160
	cropMargin      = 0.15
)

// Client implements vision.Pipeline against an inference server.
type Client struct {
	baseURL     string
	model       string
	cropSize    int
	minFaceSize int
	client      *http.Client
}

var _ vision.Pipeline = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithModel sets the embedding model name expected from the server.
func WithModel(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.model = name
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithCropSize sets the square edge of the crop posted for extraction.
func WithCropSize(px int) Option {
	return func(c *Client) {
		if px > 0 {
			c.cropSize = px
		}
	}
}

// WithMinFaceSize rejects faces whose shorter side is below px.
func WithMinFaceSize(px int) Option {
	return func(c *Client) {
		if px >= 0 {
			c.minFaceSize = px
		}
	}
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		cropSize: defaultCropSize,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements vision.Pipeline.
func (c *Client) Name() string { return "remote" }

type detectResponse struct {
	Faces []struct {
		BBox     []float64 `json:"bbox"` // [x1, y1, x2, y2]
		DetScore float64   `json:"det_score"`
	} `json:"faces"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// Detect posts the frame to /detect.
func (c *Client) Detect(ctx context.Context, f model.Frame) ([]model.Detection, error) {
	body, err := c.postImage(ctx, "/detect", f.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vision.ErrDetectorUnavailable, err)
	}
	var resp detectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse detect response: %w", vision.ErrDetectorUnavailable, err)
	}
	out := make([]model.Detection, 0, len(resp.Faces))
	for _, face := range resp.Faces {
		if len(face.BBox) != 4 {
			continue
		}
		x1, y1, x2, y2 := int(face.BBox[0]), int(face.BBox[1]), int(face.BBox[2]), int(face.BBox[3])
		out = append(out, model.Detection{
			Index:      len(out),
			Box:        model.BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1},
			Confidence: face.DetScore,
		})
	}
	return out, nil
}

// Extract crops d out of the frame and posts it to /embed/face.
func (c *Client) Extract(ctx context.Context, f model.Frame, d model.Detection) (model.Embedding, error) {
	if c.minFaceSize > 0 && (d.Box.Width < c.minFaceSize || d.Box.Height < c.minFaceSize) {
		return model.Embedding{}, fmt.Errorf("face %dx%d below %dpx: %w",
			d.Box.Width, d.Box.Height, c.minFaceSize, vision.ErrUnprocessableRegion)
	}
	crop, err := c.crop(f.Data, d.Box)
	if err != nil {
		return model.Embedding{}, err
	}
	body, err := c.postImage(ctx, "/embed/face", crop)
	if err != nil {
		return model.Embedding{}, err
	}
	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Embedding{}, fmt.Errorf("parse embed response: %w", err)
	}
	emb := model.Embedding{Values: resp.Embedding, Model: resp.Model}
	if emb.Model == "" {
		emb.Model = c.model
	}
	if !emb.Valid() {
		return model.Embedding{}, fmt.Errorf("empty embedding returned: %w", vision.ErrUnprocessableRegion)
	}
	return emb, nil
}

// Crop decodes a JPEG, PNG or WebP frame and returns the face box, padded by
// a margin and resized to a square, encoded as JPEG.
func Crop(data []byte, box model.BoundingBox, size int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vision.ErrUnsupportedFrame, err)
	}
	padX := int(float64(box.Width) * cropMargin)
	padY := int(float64(box.Height) * cropMargin)
	rect := image.Rect(box.X-padX, box.Y-padY, box.X+box.Width+padX, box.Y+box.Height+padY).
		Intersect(img.Bounds())
	if rect.Empty() {
		return nil, fmt.Errorf("box outside frame: %w", vision.ErrUnprocessableRegion)
	}
	face := imaging.Fill(imaging.Crop(img, rect), size, size, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, face, imaging.JPEG, imaging.JPEGQuality(92)); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) crop(data []byte, box model.BoundingBox) ([]byte, error) {
	return Crop(data, box, c.cropSize)
}

var errServer = errors.New("inference server error")

func (c *Client) postImage(ctx context.Context, endpoint string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%s: %w", endpoint, vision.ErrUnprocessableRegion)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w (status %d): %s", errServer, resp.StatusCode, string(body))
	}
	return body, nil
}
