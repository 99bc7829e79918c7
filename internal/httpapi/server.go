package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/quizhub/internal/config"
)

// Server serves an http.Handler on the configured address and implements
// server.Service.
type Server struct {
	cfg     config.HTTPConfig
	handler http.Handler
	logger  *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	running  bool
	onStop   func(ctx context.Context)
}

// NewServer creates an HTTP server. onStop may be nil.
//
// Precondition: handler and logger must be non-nil.
func NewServer(cfg config.HTTPConfig, handler http.Handler, onStop func(ctx context.Context), logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		onStop:  onStop,
	}
}

// Start listens and serves until Stop is called. It blocks.
//
// Precondition: The server must not already be running.
// Postcondition: The listener is closed when this method returns.
func (s *Server) Start(_ context.Context) error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("http server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop stops accepting requests, waits for in-flight requests up to ctx's
// deadline and then runs the onStop hook.
//
// Postcondition: The listener is closed.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.srv
	s.mu.Unlock()

	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown incomplete", zap.Error(err))
		_ = srv.Close()
	}
	// hijacked WebSocket connections are invisible to Shutdown
	if s.onStop != nil {
		s.onStop(ctx)
	}
	s.logger.Info("http server stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is currently accepting requests.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
