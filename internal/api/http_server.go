// Package api exposes the migration service over HTTP with API-key auth
// and per-key rate limiting.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"imigrate/internal/config"
	"imigrate/internal/database"
	"imigrate/internal/export"
	"imigrate/internal/metrics"
	"imigrate/internal/migrate"
	"imigrate/internal/vault"

	"github.com/rs/zerolog"
)

type HTTPServer struct {
	cfg      *config.APIConfig
	db       *database.DB
	orch     *migrate.Orchestrator
	vault    *vault.Vault
	reporter *export.Reporter
	clients  migrate.ClientFactory
	logger   zerolog.Logger

	server *http.Server
	auth   *HTTPAuth
}

func NewHTTPServer(
	cfg *config.APIConfig,
	db *database.DB,
	orch *migrate.Orchestrator,
	v *vault.Vault,
	reporter *export.Reporter,
	clients migrate.ClientFactory,
	logger *zerolog.Logger,
) *HTTPServer {
	srv := &HTTPServer{
		cfg:      cfg,
		db:       db,
		orch:     orch,
		vault:    v,
		reporter: reporter,
		clients:  clients,
		logger:   logger.With().Str("component", "http").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/v1/environments", srv.handleListEnvironments)
	apiMux.HandleFunc("PUT /api/v1/environments/{id}/password", srv.handleSetEnvironmentPassword)
	apiMux.HandleFunc("POST /api/v1/environments/{id}/ping", srv.handlePingEnvironment)

	apiMux.HandleFunc("POST /api/v1/jobs", srv.handleCreateJob)
	apiMux.HandleFunc("GET /api/v1/jobs", srv.handleListJobs)
	apiMux.HandleFunc("GET /api/v1/jobs/{id}", srv.handleGetJob)
	apiMux.HandleFunc("DELETE /api/v1/jobs/{id}", srv.handleDeleteJob)
	apiMux.HandleFunc("POST /api/v1/jobs/{id}/run", srv.handleRunJob)
	apiMux.HandleFunc("POST /api/v1/jobs/{id}/cancel", srv.handleCancelJob)
	apiMux.HandleFunc("POST /api/v1/jobs/{id}/retry", srv.handleRetryJob)
	apiMux.HandleFunc("GET /api/v1/jobs/{id}/rows", srv.handleGetJobRows)
	apiMux.HandleFunc("GET /api/v1/jobs/{id}/report", srv.handleJobReport)

	apiMux.HandleFunc("GET /api/v1/rows/{id}/attempts", srv.handleGetRowAttempts)
	apiMux.HandleFunc("POST /api/v1/rows/{id}/retry", srv.handleRetryRow)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.Handle("/api/v1/", srv.auth.Wrap(apiMux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		metrics.IncHTTP(r.URL.Path)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
