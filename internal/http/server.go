package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panguard-ai/panguard-guard/internal/guard"
)

// Engine is the subset of the guard engine the API exposes
type Engine interface {
	Status() guard.Status
	Pending() []guard.Confirmation
	Confirm(ctx context.Context, id string, approved bool) error
	SetMode(mode string) error
}

// Server provides the local status and control API
type Server struct {
	logger    *slog.Logger
	hostID    string
	engine    Engine
	ruleCount func() int
	router    *chi.Mux
	server    *http.Server
	startTime time.Time
}

// NewServer creates the API server. ruleCount may be nil.
func NewServer(logger *slog.Logger, addr, hostID string, engine Engine, gatherer prometheus.Gatherer, ruleCount func() int) *Server {
	s := &Server{
		logger:    logger,
		hostID:    hostID,
		engine:    engine,
		ruleCount: ruleCount,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
	s.routes(gatherer)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.router.Get("/confirmations", s.handleConfirmations)
	s.router.Post("/confirmations/{id}/approve", s.handleDecision(true))
	s.router.Post("/confirmations/{id}/reject", s.handleDecision(false))

	s.router.Put("/mode", s.handleMode)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Status()

	health := HealthResponse{
		Status:    "healthy",
		HostID:    s.hostID,
		State:     st.State,
		Mode:      st.Mode,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}

	code := http.StatusOK
	switch {
	case st.State == guard.StateError:
		health.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	case !st.State.Running():
		health.Status = "degraded"
	}
	s.writeJSON(w, code, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		HostID: s.hostID,
		Engine: s.engine.Status(),
	}
	if s.ruleCount != nil {
		resp.Rules = s.ruleCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirmations(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.Pending()
	s.writeJSON(w, http.StatusOK, ConfirmationsResponse{Count: len(pending), Confirmations: pending})
}

func (s *Server) handleDecision(approved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := s.engine.Confirm(r.Context(), id, approved)
		switch {
		case err == nil:
			s.logger.Info("Confirmation decided via API", "confirmation_id", id, "approved", approved)
			s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": approved})
		case errors.Is(err, guard.ErrUnknownConfirmation):
			s.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, guard.ErrNotRunning):
			s.writeError(w, http.StatusConflict, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
	}
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := s.engine.SetMode(req.Mode); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// logRequests logs each request at debug level with its outcome
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
