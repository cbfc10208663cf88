package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/restock/internal/common"
	"github.com/lazypower/restock/internal/config"
	"github.com/lazypower/restock/internal/engine"
	"github.com/lazypower/restock/internal/store"
)

// Server is the restock HTTP API server.
type Server struct {
	db      *store.DB
	engine  *engine.Engine
	auth    config.AuthConfig
	router  chi.Router
	version string
	started time.Time
	log     *slog.Logger
}

// New creates a new Server. The engine shares the database and serves the
// run trigger and the rule endpoints.
func New(db *store.DB, eng *engine.Engine, auth config.AuthConfig, version string) *Server {
	s := &Server{
		db:      db,
		engine:  eng,
		auth:    auth,
		version: version,
		started: time.Now(),
		log:     slog.Default().With("component", "server"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(s.requireRunSecret).Post("/run", s.handleRun)

		r.Route("/households/{household}", func(r chi.Router) {
			r.Get("/entries", s.handleListEntries)
			r.Post("/entries", s.handleAddEntry)
			r.Get("/entries/active/{product}", s.handleFindActive)
			r.Patch("/entries/{id}", s.handleUpdateEntry)
			r.Post("/entries/{id}/purchase", s.handlePurchaseEntry)
			r.Delete("/entries/{id}", s.handleDeleteEntry)

			r.Get("/rules", s.handleListRules)
			r.Put("/rules/{product}/override", s.handleSetOverride)
			r.Get("/suggestions", s.handleSuggestions)
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.PingContext(r.Context()); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a store or engine error onto an HTTP status.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, common.ErrDuplicateEntry), errors.Is(err, common.ErrRunInProgress),
		errors.Is(err, common.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, common.ErrInvalidTransition):
		status = http.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	}
	writeError(w, status, err.Error())
}
