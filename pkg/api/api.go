// Package api serves the JSON admin and status API over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"sinkhole/pkg/logging"
	"sinkhole/pkg/policy"
	"sinkhole/pkg/storage"
)

// DNSStatus exposes the DNS listener's readiness to the probe handlers.
type DNSStatus interface {
	IsRunning() bool
}

// Config holds everything the API server needs. Store and DNS may be nil;
// the affected endpoints degrade instead of failing startup.
type Config struct {
	ListenAddress string
	PasswordHash  string // bcrypt; empty disables auth
	Store         storage.Store
	Policy        *policy.Policy
	DNS           DNSStatus
	Logger        *logging.Logger
	Version       string
}

// Server is the admin API server.
type Server struct {
	httpServer   *http.Server
	logger       *logging.Logger
	store        storage.Store
	policy       *policy.Policy
	dns          DNSStatus
	passwordHash string
	version      string
	startTime    time.Time
}

// New builds the API server and its routes.
func New(cfg *Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDefault()
	}

	s := &Server{
		logger:       logger,
		store:        cfg.Store,
		policy:       cfg.Policy,
		dns:          cfg.DNS,
		passwordHash: cfg.PasswordHash,
		version:      cfg.Version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()

	// Probes stay outside auth so orchestrators can reach them.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/queries", s.handleQueries)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/system", s.handleSystem)

	handler := s.authMiddleware(mux)
	handler = s.loggingMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// parseSince turns a ?since=24h style parameter into a duration.
func parseSince(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func (s *Server) uptime() string {
	return time.Since(s.startTime).Round(time.Second).String()
}
