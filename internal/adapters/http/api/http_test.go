package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/rollcall/internal/adapters/http/api"
	"github.com/okian/rollcall/internal/adapters/http/swagger"
	"github.com/okian/rollcall/internal/adapters/repository/memory"
	"github.com/okian/rollcall/internal/adapters/vision/precomputed"
	service "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
)

const testModel = "edge-v1"

func faces(vecs ...[]float32) []byte {
	list := make([]precomputed.Face, len(vecs))
	for i, v := range vecs {
		list[i] = precomputed.Face{
			Box:        model.BoundingBox{X: 10 + 120*i, Y: 10, Width: 100, Height: 100},
			Confidence: 0.99,
			Embedding:  v,
		}
	}
	body, err := precomputed.Encode(list...)
	So(err, ShouldBeNil)
	return body
}

func postFrame(h http.Handler, session, mode string, ts time.Time, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+session+"/frames?mode="+mode, bytes.NewReader(body))
	req.Header.Set("Content-Type", precomputed.ContentType)
	req.Header.Set("X-Captured-At", ts.Format(time.RFC3339))
	req.Header.Set("X-Device-Camera-Id", "lobby-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func doJSON(h http.Handler, method, path string, v any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if v != nil {
		So(json.NewEncoder(&body).Encode(v), ShouldBeNil)
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeResult(w *httptest.ResponseRecorder) model.FrameResult {
	var res model.FrameResult
	So(json.Unmarshal(w.Body.Bytes(), &res), ShouldBeNil)
	return res
}

func newAPI(ctx context.Context, store *memory.Store) (*service.Service, http.Handler) {
	svc := service.New(store, precomputed.New(precomputed.WithDefaultModel(testModel)),
		service.WithLogger(logger.Nop()),
		service.WithFrameInterval(0),
		service.WithSettingDefaults("09:00", "0.8"),
	)
	So(svc.Start(ctx), ShouldBeNil)
	srv := api.NewServer(svc, svc, api.WithLogger(logger.Nop()), api.WithDocs(swagger.Mount), api.WithMaxFrameBytes(1<<20))
	return svc, srv.Router()
}

func enrollAlice(h http.Handler) {
	w := doJSON(h, http.MethodPost, "/v1/identities", map[string]any{
		"id":           "alice",
		"display_name": "Alice",
		"embeddings":   []map[string]any{{"values": []float32{1, 0, 0}, "model": testModel}},
	})
	So(w.Code, ShouldEqual, http.StatusCreated)
}

func TestFramesEndpoint(t *testing.T) {
	Convey("Given a running API with Alice enrolled", t, func() {
		ctx := context.Background()
		store := memory.New()
		svc, h := newAPI(ctx, store)
		defer svc.Stop()
		enrollAlice(h)

		Convey("When Alice's frame is posted at 08:55", func() {
			body := faces([]float32{1, 0, 0})
			w := postFrame(h, "gate", "single", time.Date(2025, 1, 6, 8, 55, 0, 0, time.UTC), body)

			Convey("Then the result is accepted on time", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				res := decodeResult(w)
				So(res.Accepted, ShouldHaveLength, 1)
				So(res.Accepted[0].Status, ShouldEqual, types.StatusOnTime)

				ev, err := store.FindByIdentityAndDate(ctx, "alice", "2025-01-06")
				So(err, ShouldBeNil)
				So(ev.DeviceMetadata["camera_id"], ShouldEqual, "lobby-1")
			})

			Convey("Then a second post is a duplicate", func() {
				w2 := postFrame(h, "gate", "single", time.Date(2025, 1, 6, 9, 40, 0, 0, time.UTC), body)
				So(w2.Code, ShouldEqual, http.StatusOK)
				res := decodeResult(w2)
				So(res.Accepted, ShouldBeEmpty)
				So(res.Duplicates, ShouldHaveLength, 1)
			})

			Convey("Then the attendance listing and summary include her", func() {
				w := doJSON(h, http.MethodGet, "/v1/attendance?date=2025-01-06", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"identity_id":"alice"`)

				w = doJSON(h, http.MethodGet, "/v1/attendance/summary?date=2025-01-06", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"on_time":1`)
			})
		})

		Convey("When the store fails inserts", func() {
			store.FailInsertWith(func(model.AttendanceEvent) error { return storage.ErrUnavailable })
			body := faces([]float32{1, 0, 0})
			w := postFrame(h, "gate", "single", time.Date(2025, 1, 6, 8, 55, 0, 0, time.UTC), body)

			Convey("Then the response is 503 with the full result", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(w.Header().Get("Retry-After"), ShouldEqual, "1")
				res := decodeResult(w)
				So(res.Failed, ShouldHaveLength, 1)
				So(res.Failed[0].Retryable, ShouldBeTrue)
			})
		})

		Convey("When the cutoff is missing", func() {
			cleared := memory.New()
			svc2 := service.New(cleared, precomputed.New(precomputed.WithDefaultModel(testModel)),
				service.WithLogger(logger.Nop()), service.WithFrameInterval(0))
			So(svc2.Start(ctx), ShouldBeNil)
			defer svc2.Stop()
			h2 := api.NewServer(svc2, svc2).Router()
			enrollAlice(h2)

			body := faces([]float32{1, 0, 0})
			w := postFrame(h2, "gate", "single", time.Date(2025, 1, 6, 8, 55, 0, 0, time.UTC), body)

			Convey("Then the response is 422", func() {
				So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
				res := decodeResult(w)
				So(res.Failed, ShouldHaveLength, 1)
				So(res.Failed[0].Reason, ShouldEqual, model.ReasonConfigMissing)
			})
		})

		Convey("When the request is malformed", func() {
			w := postFrame(h, "gate", "sideways", time.Now(), []byte(`{"faces":[]}`))
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			req := httptest.NewRequest(http.MethodPost, "/v1/sessions/gate/frames", strings.NewReader("x"))
			req.Header.Set("X-Captured-At", "yesterday")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			So(rec.Code, ShouldEqual, http.StatusBadRequest)

			big := bytes.Repeat([]byte("a"), 2<<20)
			w = postFrame(h, "gate", "single", time.Now(), big)
			So(w.Code, ShouldEqual, http.StatusRequestEntityTooLarge)
		})
	})
}

func TestIdentityAndSettingsEndpoints(t *testing.T) {
	Convey("Given a running API", t, func() {
		ctx := context.Background()
		svc, h := newAPI(ctx, memory.New())
		defer svc.Stop()

		Convey("When enrolling with invalid bodies", func() {
			So(doJSON(h, http.MethodPost, "/v1/identities", map[string]any{"display_name": "X"}).Code, ShouldEqual, http.StatusBadRequest)
			So(doJSON(h, http.MethodPost, "/v1/identities", map[string]any{
				"display_name": "X",
				"embeddings":   []map[string]any{{"values": []float32{}, "model": "m"}},
			}).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When managing Alice", func() {
			enrollAlice(h)
			So(doJSON(h, http.MethodPost, "/v1/identities", map[string]any{
				"id": "alice", "display_name": "Again",
				"embeddings": []map[string]any{{"values": []float32{0, 1, 0}, "model": testModel}},
			}).Code, ShouldEqual, http.StatusConflict)

			w := doJSON(h, http.MethodPost, "/v1/identities/alice/embeddings", map[string]any{
				"embeddings": []map[string]any{{"values": []float32{0.9, 0.1, 0}, "model": testModel}},
			})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"samples":2`)

			w = doJSON(h, http.MethodPut, "/v1/identities/alice/embeddings", map[string]any{
				"embeddings": []map[string]any{{"values": []float32{1, 0, 0}, "model": testModel}},
			})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"samples":1`)

			w = doJSON(h, http.MethodGet, "/v1/identities", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldNotContainSubstring, "values")

			So(doJSON(h, http.MethodGet, "/v1/identities/alice", nil).Code, ShouldEqual, http.StatusOK)
			So(doJSON(h, http.MethodDelete, "/v1/identities/alice", nil).Code, ShouldEqual, http.StatusNoContent)
			So(doJSON(h, http.MethodGet, "/v1/identities/alice", nil).Code, ShouldEqual, http.StatusNotFound)
			So(doJSON(h, http.MethodDelete, "/v1/identities/alice", nil).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("When enrolling from an image without a usable face", func() {
			enrollAlice(h)
			body, _ := precomputed.Encode()
			req := httptest.NewRequest(http.MethodPost, "/v1/identities/alice/images", bytes.NewReader(body))
			req.Header.Set("Content-Type", precomputed.ContentType)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
		})

		Convey("When updating settings", func() {
			w := doJSON(h, http.MethodPut, "/v1/settings/cutoff_time", map[string]string{"value": "08:30"})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"value":"08:30:00"`)

			So(doJSON(h, http.MethodPut, "/v1/settings/cutoff_time", map[string]string{"value": "8.30"}).Code, ShouldEqual, http.StatusBadRequest)
			So(doJSON(h, http.MethodPut, "/v1/settings/match_threshold", map[string]string{"value": "1.5"}).Code, ShouldEqual, http.StatusBadRequest)
			So(doJSON(h, http.MethodGet, "/v1/settings/colour", nil).Code, ShouldEqual, http.StatusNotFound)

			w = doJSON(h, http.MethodGet, "/v1/settings/match_threshold", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"value":"0.8"`)
		})

		Convey("When correcting events", func() {
			So(doJSON(h, http.MethodPost, "/v1/attendance/missing/corrections", map[string]string{"annotation": "x"}).Code, ShouldEqual, http.StatusNotFound)
			So(doJSON(h, http.MethodPost, "/v1/attendance/missing/corrections", map[string]string{"annotation": "x", "status": "absent"}).Code, ShouldEqual, http.StatusBadRequest)
			So(doJSON(h, http.MethodGet, "/v1/attendance?date=06-01-2025", nil).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("When hitting operational endpoints", func() {
			So(doJSON(h, http.MethodGet, "/healthz", nil).Code, ShouldEqual, http.StatusOK)
			So(doJSON(h, http.MethodGet, "/readyz", nil).Code, ShouldEqual, http.StatusOK)
			w := doJSON(h, http.MethodGet, "/stats", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, `"started":true`)
			So(doJSON(h, http.MethodGet, "/openapi.yaml", nil).Code, ShouldEqual, http.StatusOK)
		})
	})
}

func TestStreamEndpoint(t *testing.T) {
	Convey("Given an API served over a real listener", t, func() {
		ctx := context.Background()
		svc, h := newAPI(ctx, memory.New())
		defer svc.Stop()
		enrollAlice(h)
		ts := httptest.NewServer(h)
		defer ts.Close()

		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/kiosk/stream?mode=multi"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		defer resp.Body.Close()
		defer conn.Close()

		Convey("When two precomputed frames are streamed", func() {
			body := faces([]float32{1, 0, 0}, []float32{0, 0, 1})
			So(conn.WriteMessage(websocket.TextMessage, body), ShouldBeNil)

			var first model.FrameResult
			So(conn.ReadJSON(&first), ShouldBeNil)
			So(conn.WriteMessage(websocket.TextMessage, body), ShouldBeNil)
			var second model.FrameResult
			So(conn.ReadJSON(&second), ShouldBeNil)

			Convey("Then results come back in order and dedupe across frames", func() {
				So(first.SessionID, ShouldEqual, "kiosk")
				So(first.Detected, ShouldEqual, 2)
				So(first.Accepted, ShouldHaveLength, 1)
				So(first.Rejected, ShouldHaveLength, 1)
				So(first.Rejected[0].Reason, ShouldEqual, model.ReasonUnknown)
				So(second.Duplicates, ShouldHaveLength, 1)
			})
		})

		Convey("When a binary message is not an image", func() {
			So(conn.WriteMessage(websocket.BinaryMessage, []byte("garbage")), ShouldBeNil)
			var msg map[string]any
			So(conn.ReadJSON(&msg), ShouldBeNil)

			Convey("Then an error envelope is returned", func() {
				envelope, ok := msg["error"].(map[string]any)
				So(ok, ShouldBeTrue)
				So(envelope["code"], ShouldEqual, "bad_request")
			})
		})
	})
}

func TestStreamKeepAlive(t *testing.T) {
	Convey("Given a stream server that pings every 20ms", t, func() {
		ctx := context.Background()
		svc := service.New(memory.New(), precomputed.New(precomputed.WithDefaultModel(testModel)),
			service.WithLogger(logger.Nop()),
			service.WithSettingDefaults("09:00", "0.8"),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()
		srv := api.NewServer(svc, svc, api.WithLogger(logger.Nop()), api.WithStreamPingInterval(20*time.Millisecond))
		ts := httptest.NewServer(srv.Router())
		defer ts.Close()

		url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/idle-cam/stream"
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		So(err, ShouldBeNil)
		defer resp.Body.Close()
		defer conn.Close()

		pings := make(chan struct{}, 8)
		conn.SetPingHandler(func(data string) error {
			select {
			case pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		Convey("Then an idle client keeps receiving pings", func() {
			for i := 0; i < 2; i++ {
				select {
				case <-pings:
				case <-time.After(2 * time.Second):
					So("no ping received", ShouldBeEmpty)
				}
			}
		})
	})
}
