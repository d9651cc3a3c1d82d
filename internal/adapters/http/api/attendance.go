package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
)

type correctionRequest struct {
	Annotation string `json:"annotation" validate:"required,max=1024"`
	Status     string `json:"status" validate:"omitempty,oneof=on_time late"`
	Author     string `json:"author" validate:"max=256"`
}

type attendanceResponse struct {
	Date   string                  `json:"date"`
	Events []model.AttendanceEvent `json:"events"`
}

func (s *Server) date(r *http.Request) string {
	if d := r.URL.Query().Get("date"); d != "" {
		return d
	}
	return s.deps.Today()
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	date := s.date(r)
	events, err := s.deps.Attendance(r.Context(), date)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attendanceResponse{Date: date, Events: events})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Summary(r.Context(), s.date(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := s.decode(w, r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	c, err := s.deps.Correct(r.Context(), chi.URLParam(r, "eventID"), req.Annotation, types.Status(req.Status), req.Author)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}
