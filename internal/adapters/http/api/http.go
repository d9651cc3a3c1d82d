// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	service "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/internal/domain/classify"
	"github.com/okian/rollcall/internal/domain/gallery"
	"github.com/okian/rollcall/internal/domain/matching"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/recorder"
	"github.com/okian/rollcall/internal/domain/report"
	"github.com/okian/rollcall/internal/domain/storage"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
)

// Dependencies is the service surface the handlers use.
type Dependencies interface {
	ProcessFrame(ctx context.Context, sessionID string, mode types.CaptureMode, frame model.Frame) (model.FrameResult, error)
	EndSession(sessionID string)

	Enroll(ctx context.Context, identity model.EnrolledIdentity) (model.EnrolledIdentity, error)
	AddSamples(ctx context.Context, identityID string, embeddings []model.Embedding) error
	Reenroll(ctx context.Context, identityID string, embeddings []model.Embedding) error
	RemoveIdentity(ctx context.Context, identityID string) error
	EnrollFromImage(ctx context.Context, identityID string, frame model.Frame) (model.Embedding, error)
	Identities() []model.EnrolledIdentity
	Identity(identityID string) (model.EnrolledIdentity, bool)

	Today() string
	Attendance(ctx context.Context, date string) ([]model.AttendanceEvent, error)
	Summary(ctx context.Context, date string) (report.Summary, error)
	Correct(ctx context.Context, eventID, annotation string, status types.Status, author string) (model.Correction, error)

	Setting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Ping(ctx context.Context) error
}

var _ Dependencies = (*service.Service)(nil)

// StatsProvider defines the interface for getting service statistics.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Server wires HTTP routes for the attendance API.
type Server struct {
	deps          Dependencies
	stats         StatsProvider
	validate      *validator.Validate
	upgrader      websocket.Upgrader
	log           logger.Logger
	maxFrameBytes int64
	pingInterval  time.Duration
	docs          func(chi.Router)
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, stats StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		stats:         stats,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		log:           logger.Nop(),
		maxFrameBytes: 8 << 20,
		pingInterval:  streamPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with every route attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/stats", s.handleStats)
	if s.docs != nil {
		s.docs(r)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/frames", s.handlePostFrame)
			r.Get("/stream", s.handleStream)
		})
		r.Route("/identities", func(r chi.Router) {
			r.Get("/", s.handleListIdentities)
			r.Post("/", s.handleEnroll)
			r.Get("/{identityID}", s.handleGetIdentity)
			r.Delete("/{identityID}", s.handleDeleteIdentity)
			r.Post("/{identityID}/embeddings", s.handleAddEmbeddings)
			r.Put("/{identityID}/embeddings", s.handleReplaceEmbeddings)
			r.Post("/{identityID}/images", s.handleEnrollImage)
		})
		r.Route("/attendance", func(r chi.Router) {
			r.Get("/", s.handleAttendance)
			r.Get("/summary", s.handleSummary)
			r.Post("/{eventID}/corrections", s.handleCorrect)
		})
		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handlePutSetting)
	})
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError maps domain errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeError(w, status, code, err)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, service.ErrInvalidFrame),
		errors.Is(err, service.ErrInvalidSession),
		errors.Is(err, service.ErrInvalidSetting),
		errors.Is(err, types.ErrUnknownValue),
		errors.Is(err, report.ErrInvalidDate),
		errors.Is(err, gallery.ErrInvalidEmbedding),
		errors.Is(err, gallery.ErrInvalidIdentity),
		errors.Is(err, recorder.ErrInvalidCorrection):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, service.ErrConfigMissing),
		errors.Is(err, classify.ErrCutoffNotConfigured),
		errors.Is(err, matching.ErrThresholdNotConfigured):
		return http.StatusUnprocessableEntity, "config_missing"
	case errors.Is(err, service.ErrNoFaceFound):
		return http.StatusUnprocessableEntity, "no_face"
	case errors.Is(err, gallery.ErrIdentityExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, gallery.ErrIdentityNotFound),
		errors.Is(err, recorder.ErrEventNotFound),
		errors.Is(err, service.ErrUnknownSetting),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, recorder.ErrUnavailable),
		errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, service.ErrNotStarted),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}
