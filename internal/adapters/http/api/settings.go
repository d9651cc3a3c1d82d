package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type settingRequest struct {
	Value string `json:"value" validate:"required"`
}

type settingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.deps.Setting(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: v})
}

// handlePutSetting validates and stores a setting; the stored form is echoed.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var req settingRequest
	if err := s.decode(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.deps.SetSetting(r.Context(), key, req.Value); err != nil {
		writeServiceError(w, err)
		return
	}
	v, err := s.deps.Setting(r.Context(), key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settingResponse{Key: key, Value: v})
}
