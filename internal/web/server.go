// Package web exposes the agent operation service as a JSON HTTP API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/poer2023/CHANGE-sub002/internal/document"
	"github.com/poer2023/CHANGE-sub002/internal/engine"
	"github.com/poer2023/CHANGE-sub002/internal/ledger"
	"github.com/poer2023/CHANGE-sub002/internal/model"
	"github.com/poer2023/CHANGE-sub002/internal/recipe"
	"github.com/poer2023/CHANGE-sub002/internal/service"
	"github.com/poer2023/CHANGE-sub002/internal/undo"
	"github.com/rs/zerolog/log"
)

// Server provides the HTTP handlers and state.
type Server struct {
	svc  *service.Service
	docs document.Store
}

// NewServer creates a new API server.
func NewServer(svc *service.Service, docs document.Store) *Server {
	return &Server{svc: svc, docs: docs}
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/plan", s.handlePlan)
		r.Post("/apply", s.handleApply)
		r.Post("/operations/{id}/undo", s.handleUndo)
		r.Get("/history", s.handleHistory)
		r.Get("/history/export", s.handleExport)
		r.Delete("/history", s.handleClear)
		r.Post("/recipes", s.handleSaveRecipe)
		r.Get("/recipes", s.handleListRecipes)
		r.Post("/recipes/{id}/use", s.handleUseRecipe)
	})
	r.Route("/api/documents", func(r chi.Router) {
		r.Put("/{id}", s.handlePutDocument)
		r.Get("/{id}", s.handleGetDocument)
	})
	return r
}

type planRequest struct {
	Text       string      `json:"text"`
	Scope      model.Scope `json:"scope"`
	SnapshotID string      `json:"snapshot_id"`
	UserID     string      `json:"user_id,omitempty"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.svc.PlanCommand(r.Context(), req.Text, req.Scope, req.SnapshotID, req.UserID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type applyRequest struct {
	PlanID      string   `json:"plan_id"`
	AcceptSteps []string `json:"accept_steps,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.svc.ApplyPlan(r.Context(), req.PlanID, req.AcceptSteps)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.UndoOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.History(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if out == nil {
		out = []model.OperationSummary{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.svc.ExportAuditLog(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-log.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ClearHistory(r.Context()); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type saveRecipeRequest struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Tags    []string `json:"tags,omitempty"`
}

func (s *Server) handleSaveRecipe(w http.ResponseWriter, r *http.Request) {
	var req saveRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.svc.SaveRecipe(r.Context(), req.Name, req.Command, req.Tags)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.ListRecipes(r.Context())
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if out == nil {
		out = []model.AgentRecipe{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUseRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.UseRecipe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var snap document.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap.ID = chi.URLParam(r, "id")
	if err := s.docs.Put(r.Context(), &snap); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	snap, err := s.docs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrBlockedByRequirements),
		errors.Is(err, undo.ErrNothingToRevert):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrPlanNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, recipe.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, undo.ErrAlreadyReverted),
		errors.Is(err, undo.ErrConflictingState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error().Ctx(ctx).Err(err).Msg("request failed")
	}
	writeError(w, status, err)
}
