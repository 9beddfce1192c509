// Package microservice hosts a resolver behind a small HTTP surface: health
// probes, lookups, and cache control.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig holds the HTTP settings of the resolver service.
type ServerConfig struct {
	HTTPPort        string        `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the settings used when none are configured.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// ReadinessCheck reports whether the service can serve traffic.
type ReadinessCheck func() error

// Server is an HTTP server with health and readiness probes. Callers add
// their own routes through Mux before calling Start.
type Server struct {
	logger     zerolog.Logger
	cfg        ServerConfig
	httpServer *http.Server
	mux        *http.ServeMux
	ready      ReadinessCheck

	mu         sync.RWMutex
	actualAddr string
}

// NewServer creates a Server. A nil ready check always reports ready.
func NewServer(cfg ServerConfig, ready ReadinessCheck, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		logger: logger.With().Str("component", "HTTPServer").Logger(),
		cfg:    cfg,
		mux:    mux,
		ready:  ready,
		httpServer: &http.Server{
			Addr:         cfg.HTTPPort,
			Handler:      mux,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	mux.HandleFunc("GET /healthz", HealthzHandler)
	mux.HandleFunc("GET /readyz", s.readyzHandler)
	return s
}

// Start listens on the configured port and serves in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.cfg.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is listening on, or the configured
// port before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.actualAddr == "" {
		return s.cfg.HTTPPort
	}
	return s.actualAddr
}

// Mux returns the underlying ServeMux.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to liveness probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}
