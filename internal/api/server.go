// Package api is the chi-based HTTP transport binding OrchestratorAPI to
// the JSON/SSE contract in spec §6, grounded on the teacher's
// ControlServer router setup (chi.Mux, middleware.Logger/Recoverer).
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bozzfozz/soulspot/internal/orchestrator"
)

// Server wraps OrchestratorAPI behind an HTTP router.
type Server struct {
	orch   *orchestrator.API
	router *chi.Mux
	log    *slog.Logger
}

// NewServer builds a Server and registers every route from spec §6.
func NewServer(orch *orchestrator.API, log *slog.Logger) *Server {
	s := &Server{orch: orch, router: chi.NewRouter(), log: log}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/downloads", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Post("/album", s.handleCreateAlbum)
		r.Post("/batch", s.handleBatch)
		r.Patch("/reorder", s.handleReorder)
		r.Get("/", s.handleList)
		r.Get("/stream", s.handleStream)
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handlePatch)
		r.Delete("/{id}", s.handleDelete)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, log *slog.Logger, err error) {
	apiErr, ok := asAPIError(err)
	if !ok {
		log.Error("api: internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Reason: "Internal", Message: "internal server error"})
		return
	}
	status := http.StatusBadRequest
	switch apiErr.Reason {
	case orchestrator.ReasonNotFound:
		status = http.StatusNotFound
	case orchestrator.ReasonQueueFull:
		status = http.StatusConflict
	case orchestrator.ReasonConflict:
		status = http.StatusConflict
	case orchestrator.ReasonInvalidTransition:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorBody{Reason: apiErr.Reason, Message: apiErr.Message})
}

func asAPIError(err error) (*orchestrator.APIError, bool) {
	apiErr, ok := err.(*orchestrator.APIError)
	return apiErr, ok
}
