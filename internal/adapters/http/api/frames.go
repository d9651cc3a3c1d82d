package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/okian/rollcall/internal/adapters/vision/precomputed"
	service "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/recorder"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
	"github.com/okian/rollcall/pkg/metrics"
)

const (
	headerCapturedAt   = "X-Captured-At"
	deviceHeaderPrefix = "X-Device-"

	streamReadTimeout  = 60 * time.Second
	streamWriteWait    = 10 * time.Second
	streamPingInterval = streamReadTimeout * 9 / 10
)

func captureMode(r *http.Request) (types.CaptureMode, error) {
	raw := r.URL.Query().Get("mode")
	if raw == "" {
		return types.ModeSingle, nil
	}
	mode, err := types.ParseCaptureMode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return mode, nil
}

// deviceMetadata collects X-Device-* headers as lower-case keys.
func deviceMetadata(h http.Header) map[string]string {
	var md map[string]string
	for name, values := range h {
		if !strings.HasPrefix(name, deviceHeaderPrefix) || len(values) == 0 {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(name, deviceHeaderPrefix), "-", "_"))
		md[key] = values[0]
	}
	return md
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit %d bytes", ErrPayloadTooLarge, limit)
		}
		return nil, fmt.Errorf("%w: read body: %w", ErrBadRequest, err)
	}
	return data, nil
}

// handlePostFrame handles POST /v1/sessions/{sessionID}/frames.
func (s *Server) handlePostFrame(w http.ResponseWriter, r *http.Request) {
	mode, err := captureMode(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	data, err := readBody(w, r, s.maxFrameBytes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	frame := model.Frame{
		Data:           data,
		ContentType:    r.Header.Get("Content-Type"),
		DeviceMetadata: deviceMetadata(r.Header),
	}
	if raw := r.Header.Get(headerCapturedAt); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeServiceError(w, fmt.Errorf("%w: %s must be RFC3339", ErrBadRequest, headerCapturedAt))
			return
		}
		frame.CapturedAt = ts
	}

	res, err := s.deps.ProcessFrame(r.Context(), chi.URLParam(r, "sessionID"), mode, frame)
	status, werr := frameStatus(res, err)
	if werr != nil {
		writeServiceError(w, werr)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, res)
}

// frameStatus picks the status for a processed frame. A nil error return
// means the FrameResult itself is the body.
func frameStatus(res model.FrameResult, err error) (int, error) {
	switch {
	case res.Retryable(), errors.Is(err, recorder.ErrUnavailable):
		return http.StatusServiceUnavailable, nil
	case errors.Is(err, service.ErrConfigMissing):
		return http.StatusUnprocessableEntity, nil
	case err != nil:
		return 0, err
	case res.Skipped && res.SkipReason == model.SkipDetectorUnavailable:
		return http.StatusServiceUnavailable, nil
	}
	return http.StatusOK, nil
}

type streamError struct {
	Error errorResponse `json:"error"`
}

// handleStream upgrades to a websocket. Each binary message is an encoded
// image and each text message a precomputed faces payload. Results are
// written back in order, one per message.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	mode, err := captureMode(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	imageType := r.URL.Query().Get("content_type")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()
	defer s.deps.EndSession(sessionID)

	metrics.UpdateActiveStreams(1)
	defer metrics.UpdateActiveStreams(-1)

	log := s.log.With(logger.String("session_id", sessionID))
	log.Info(r.Context(), "capture stream connected", logger.String("mode", string(mode)))

	conn.SetReadLimit(s.maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(conn, done)
	metadata := deviceMetadata(r.Header)

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug(r.Context(), "capture stream closed", logger.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))

		frame := model.Frame{Data: msg, ContentType: imageType, DeviceMetadata: metadata}
		if kind == websocket.TextMessage {
			frame.ContentType = precomputed.ContentType
		}
		// The frame finishes even if the peer disconnects mid-flight.
		res, perr := s.deps.ProcessFrame(context.WithoutCancel(r.Context()), sessionID, mode, frame)

		var out any = res
		if _, werr := frameStatus(res, perr); werr != nil {
			_, code := classifyError(werr)
			out = streamError{Error: errorResponse{Code: code, Message: werr.Error()}}
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(out); err != nil {
			log.Debug(r.Context(), "capture stream write failed", logger.Error(err))
			return
		}
	}
}

// keepAlive pings the peer until done is closed. Pongs extend the read
// deadline, so an idle but healthy camera is not dropped.
func (s *Server) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
