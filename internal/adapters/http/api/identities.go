package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/rollcall/internal/domain/model"
)

type embeddingRequest struct {
	Values []float32 `json:"values" validate:"required,min=1"`
	Model  string    `json:"model" validate:"required"`
}

type enrollRequest struct {
	ID          string             `json:"id" validate:"omitempty,max=128"`
	DisplayName string             `json:"display_name" validate:"required,max=256"`
	ExternalRef string             `json:"external_ref" validate:"max=256"`
	Metadata    map[string]string  `json:"metadata"`
	Embeddings  []embeddingRequest `json:"embeddings" validate:"required,min=1,dive"`
}

type samplesRequest struct {
	Embeddings []embeddingRequest `json:"embeddings" validate:"required,min=1,dive"`
}

// identityResponse omits raw vectors.
type identityResponse struct {
	ID          string            `json:"id"`
	DisplayName string            `json:"display_name"`
	ExternalRef string            `json:"external_ref,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EnrolledAt  time.Time         `json:"enrolled_at"`
	Samples     int               `json:"samples"`
	Models      []string          `json:"models"`
}

func toIdentityResponse(i model.EnrolledIdentity) identityResponse {
	seen := make(map[string]bool)
	models := make([]string, 0, 1)
	for _, e := range i.Embeddings {
		if !seen[e.Model] {
			seen[e.Model] = true
			models = append(models, e.Model)
		}
	}
	return identityResponse{
		ID:          i.ID,
		DisplayName: i.DisplayName,
		ExternalRef: i.ExternalRef,
		Metadata:    i.Metadata,
		EnrolledAt:  i.EnrolledAt,
		Samples:     len(i.Embeddings),
		Models:      models,
	}
}

func toEmbeddings(in []embeddingRequest) []model.Embedding {
	out := make([]model.Embedding, len(in))
	for i, e := range in {
		out[i] = model.Embedding{Values: e.Values, Model: e.Model}
	}
	return out
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxFrameBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

func (s *Server) handleListIdentities(w http.ResponseWriter, _ *http.Request) {
	list := s.deps.Identities()
	out := make([]identityResponse, len(list))
	for i, identity := range list {
		out[i] = toIdentityResponse(identity)
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": out})
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "identityID")
	identity, ok := s.deps.Identity(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Errorf("identity %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(identity))
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := s.decode(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	identity, err := s.deps.Enroll(r.Context(), model.EnrolledIdentity{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		ExternalRef: req.ExternalRef,
		Metadata:    req.Metadata,
		Embeddings:  toEmbeddings(req.Embeddings),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(identity))
}

func (s *Server) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.RemoveIdentity(r.Context(), chi.URLParam(r, "identityID")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req samplesRequest
	if err := s.decode(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	id := chi.URLParam(r, "identityID")
	if err := s.deps.AddSamples(r.Context(), id, toEmbeddings(req.Embeddings)); err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeIdentity(w, id)
}

func (s *Server) handleReplaceEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req samplesRequest
	if err := s.decode(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	id := chi.URLParam(r, "identityID")
	if err := s.deps.Reenroll(r.Context(), id, toEmbeddings(req.Embeddings)); err != nil {
		writeServiceError(w, err)
		return
	}
	s.writeIdentity(w, id)
}

// handleEnrollImage extracts a sample from an uploaded photo.
func (s *Server) handleEnrollImage(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r, s.maxFrameBytes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	id := chi.URLParam(r, "identityID")
	emb, err := s.deps.EnrollFromImage(r.Context(), id, model.Frame{
		Data:        data,
		ContentType: r.Header.Get("Content-Type"),
		CapturedAt:  time.Now().UTC(),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"identity_id": id,
		"model":       emb.Model,
		"dim":         emb.Dim(),
	})
}

func (s *Server) writeIdentity(w http.ResponseWriter, id string) {
	identity, ok := s.deps.Identity(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(identity))
}
