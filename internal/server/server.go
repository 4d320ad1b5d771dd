// Package server exposes the marksman boundary surface over HTTP: batch
// submission, run status, the paged event log with a WebSocket live tail,
// the review-resolution signals, cancellation, and result fetch.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"marksman/internal/config"
	"marksman/internal/events"
	"marksman/internal/logging"
	"marksman/internal/orchestrator"
	"marksman/internal/types"
)

// Server is the HTTP boundary over one orchestrator.
type Server struct {
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	log    *events.Log
	logger *zap.Logger

	httpServer *http.Server
	startTime  time.Time
}

// New builds the server and its route table.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, log *events.Log, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		log:       log,
		logger:    logger,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /v1/runs/{id}/events/ws", s.handleEventsWS)
	mux.HandleFunc("POST /v1/runs/{id}/rubric-review", s.handleRubricReview)
	mux.HandleFunc("POST /v1/runs/{id}/results-review", s.handleResultsReview)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/results", s.handleResults)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.logRequests(mux),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
	}
	return s
}

// Handler returns the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. Blocks; http.ErrServerClosed is swallowed.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.httpServer.Addr))
	logging.Server("listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured window.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// logRequests is the access-log middleware. WebSocket upgrades skip the
// status recorder since they hijack the connection.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error response shape.
type errorBody struct {
	Error string          `json:"error"`
	Kind  types.ErrorKind `json:"kind"`
}

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation, types.KindSchema:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindTransientRemote, types.KindRateLimitUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a taxonomy error onto the wire.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}
