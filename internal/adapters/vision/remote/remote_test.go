package remote_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/okian/rollcall/internal/adapters/vision/remote"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/vision"
	. "github.com/smartystreets/goconvey/convey"
)

func testPNG(w, h int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func inferenceServer(embedStatus int) (*httptest.Server, *atomic.Int64) {
	cropBytes := &atomic.Int64{}
	mux := http.NewServeMux()
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"faces":[{"bbox":[40,30,140,150],"det_score":0.97},{"bbox":[1,2],"det_score":0.4}]}`)
	})
	mux.HandleFunc("/embed/face", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		cropBytes.Store(int64(len(data)))
		if embedStatus != http.StatusOK {
			w.WriteHeader(embedStatus)
			return
		}
		_, _ = io.WriteString(w, `{"embedding":[0.1,0.2,0.3],"model":"buffalo_l"}`)
	})
	return httptest.NewServer(mux), cropBytes
}

func TestClient(t *testing.T) {
	Convey("Given an inference server", t, func() {
		ctx := context.Background()
		srv, cropBytes := inferenceServer(http.StatusOK)
		defer srv.Close()
		c := remote.New(srv.URL+"/", remote.WithHTTPClient(srv.Client()), remote.WithMinFaceSize(32))
		frame := model.Frame{Data: testPNG(200, 200), ContentType: "image/png"}

		Convey("When detecting", func() {
			dets, err := c.Detect(ctx, frame)

			Convey("Then well-formed boxes are converted and malformed ones skipped", func() {
				So(err, ShouldBeNil)
				So(len(dets), ShouldEqual, 1)
				So(dets[0].Box, ShouldResemble, model.BoundingBox{X: 40, Y: 30, Width: 100, Height: 120})
				So(dets[0].Confidence, ShouldEqual, 0.97)
			})

			Convey("Then extraction posts a crop and returns the vector", func() {
				emb, err := c.Extract(ctx, frame, dets[0])
				So(err, ShouldBeNil)
				So(emb.Model, ShouldEqual, "buffalo_l")
				So(emb.Dim(), ShouldEqual, 3)
				So(cropBytes.Load(), ShouldBeGreaterThan, 0)
			})
		})

		Convey("When the face is too small", func() {
			_, err := c.Extract(ctx, frame, model.Detection{Box: model.BoundingBox{Width: 10, Height: 10}})
			So(errors.Is(err, vision.ErrUnprocessableRegion), ShouldBeTrue)
		})

		Convey("When the box lies outside the frame", func() {
			_, err := c.Extract(ctx, frame, model.Detection{Box: model.BoundingBox{X: 500, Y: 500, Width: 64, Height: 64}})
			So(errors.Is(err, vision.ErrUnprocessableRegion), ShouldBeTrue)
		})
	})

	Convey("Given a server that rejects the crop", t, func() {
		srv, _ := inferenceServer(http.StatusUnprocessableEntity)
		defer srv.Close()
		c := remote.New(srv.URL, remote.WithHTTPClient(srv.Client()))
		frame := model.Frame{Data: testPNG(200, 200)}
		_, err := c.Extract(context.Background(), frame, model.Detection{Box: model.BoundingBox{X: 10, Y: 10, Width: 80, Height: 80}})
		So(errors.Is(err, vision.ErrUnprocessableRegion), ShouldBeTrue)
	})

	Convey("Given an unreachable server", t, func() {
		c := remote.New("http://127.0.0.1:1")
		_, err := c.Detect(context.Background(), model.Frame{Data: testPNG(8, 8)})
		So(errors.Is(err, vision.ErrDetectorUnavailable), ShouldBeTrue)
	})

	Convey("Cropping rejects bytes that are not an image", t, func() {
		_, err := remote.Crop([]byte("nope"), model.BoundingBox{Width: 10, Height: 10}, 64)
		So(errors.Is(err, vision.ErrUnsupportedFrame), ShouldBeTrue)
	})
}
