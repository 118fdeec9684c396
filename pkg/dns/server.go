package dns

import (
	"context"
	"fmt"
	"sync"

	"github.com/miekg/dns"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"
)

// Server owns the UDP listener. All per-query behaviour lives in the
// Handler; the server only binds, serves, and shuts down.
type Server struct {
	cfg       *config.Config
	handler   *Handler
	logger    *logging.Logger
	udpServer *dns.Server
	running   bool
	mu        sync.Mutex
}

// NewServer creates a DNS server. The handler must already be wired.
func NewServer(cfg *config.Config, handler *Handler, logger *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Start binds the UDP listener and serves until ctx is cancelled or the
// listener fails. Bind errors (port in use, missing privileges) surface
// through the returned error.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("dns server already running")
	}

	addr := s.cfg.ListenAddr()
	s.udpServer = &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: s.handler,
	}
	s.running = true
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.udpServer.ListenAndServe()
	}()

	s.logger.Info("dns server listening",
		"addr", addr,
		"net", "udp",
	)

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("dns server on %s: %w", addr, err)
		}
		return nil
	}
}

// Shutdown stops the listener and waits for in-flight queries.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	s.logger.Info("dns server shutting down")
	return s.udpServer.ShutdownContext(ctx)
}

// IsRunning reports whether the listener is up. The readiness probe uses it.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
