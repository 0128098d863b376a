package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"campusrun/internal/domain"
)

type createTaskReq struct {
	Title      string           `json:"title"`
	Categories []string         `json:"categories"`
	Origin     *domain.Location `json:"origin"`
}

type runnerActionReq struct {
	RunnerID string `json:"runner_id"`
}

type upsertRunnerReq struct {
	Online   bool             `json:"online"`
	Location *domain.Location `json:"location"`
}

// createTask persists the task and immediately runs the assignment engine.
// "Posted but no runner available" is a successful post with a cancelled
// assignment outcome, not an error.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	t := &domain.Task{
		ID:         uuid.NewString(),
		Title:      req.Title,
		Categories: req.Categories,
		Origin:     req.Origin,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := s.store.CreateTask(r.Context(), t); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	assigned, err := s.engine.Assign(r.Context(), t.ID)
	if err != nil {
		// The task exists; the caller can retry assignment.
		log.Ctx(r.Context()).Error().Err(err).Str("task", t.ID).Msg("assignment failed after create")
		writeJSON(w, 500, map[string]any{"id": t.ID, "error": err.Error()})
		return
	}
	writeJSON(w, 201, assigned)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) acceptTask(w http.ResponseWriter, r *http.Request) {
	var req runnerActionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	t, err := s.engine.Accept(r.Context(), chi.URLParam(r, "id"), req.RunnerID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) declineTask(w http.ResponseWriter, r *http.Request) {
	var req runnerActionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	t, err := s.engine.Decline(r.Context(), chi.URLParam(r, "id"), req.RunnerID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.CompleteTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) upsertRunner(w http.ResponseWriter, r *http.Request) {
	var req upsertRunnerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	rnr := &domain.Runner{
		ID:       chi.URLParam(r, "id"),
		Online:   req.Online,
		Location: req.Location,
	}
	if req.Location != nil {
		rnr.LocationAt = time.Now()
	}
	if err := s.store.UpsertRunner(r.Context(), rnr); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, rnr)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	code := 500
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrRunnerNotFound):
		code = 404
	case errors.Is(err, domain.ErrNotOfferHolder):
		code = 403
	case errors.Is(err, domain.ErrOfferExpired),
		errors.Is(err, domain.ErrTaskClosed),
		errors.Is(err, domain.ErrConflict):
		code = 409
	}
	http.Error(w, err.Error(), code)
}
