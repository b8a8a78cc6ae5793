// Package worker provides the HTTP worker service for replaylens.
package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/replaylens/replaylens/internal/config"
	"github.com/replaylens/replaylens/internal/streamer"
	"github.com/replaylens/replaylens/internal/worker/sse"
	"github.com/replaylens/replaylens/internal/workflow"
)

// Service exposes group runs over HTTP: starting them, querying their
// stage, and observing their progress as SSE frames.
type Service struct {
	cfg         *config.Config
	log         zerolog.Logger
	group       *workflow.GroupWorkflow
	broadcaster *sse.Broadcaster
	router      chi.Router
	startTime   time.Time
}

// NewService creates the worker service and wires its routes.
func NewService(cfg *config.Config, log zerolog.Logger, group *workflow.GroupWorkflow) *Service {
	s := &Service{
		cfg:         cfg,
		log:         log,
		group:       group,
		broadcaster: sse.NewBroadcaster(),
		router:      chi.NewRouter(),
		startTime:   time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Service) Router() http.Handler {
	return s.router
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api/groups", func(r chi.Router) {
		r.Post("/", s.handleStartGroup)
		r.Get("/{runID}/status", s.handleGroupStatus)
		r.Get("/{runID}/stream", s.handleGroupStream)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. Group runs
// already in flight keep their LLM calls alive through the drain window.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("worker listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"sse_clients":    s.broadcaster.ClientCount(),
	})
}

type startGroupRequest struct {
	SessionIDs []string `json:"session_ids"`
}

// handleStartGroup launches a group run in the background and returns its
// run id. Progress is observable on /api/groups/{runID}/stream.
func (s *Service) handleStartGroup(w http.ResponseWriter, r *http.Request) {
	var req startGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.SessionIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "session_ids must not be empty")
		return
	}

	// Detached from the request context: the run outlives this handler.
	runID := s.group.Start(context.WithoutCancel(r.Context()), req.SessionIDs, func(runID string) streamer.EmitFunc {
		return func(label string, payload any) {
			s.broadcaster.Publish(runID, label, payload)
		}
	})

	s.log.Info().Str("run_id", runID).Int("sessions", len(req.SessionIDs)).Msg("group run started")
	s.respond(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Service) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	status, ok := s.group.Status(runID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "unknown run id")
		return
	}
	s.respond(w, http.StatusOK, status)
}

func (s *Service) handleGroupStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, ok := s.group.Status(runID); !ok {
		s.respondError(w, http.StatusNotFound, "unknown run id")
		return
	}
	s.broadcaster.HandleSSE(w, r, runID)
}

func (s *Service) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}
