package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/0xHecker/omni-stream/internal/logger"
)

// Server provides the agent's HTTP server.
type Server struct {
	server       *http.Server
	addr         string
	shutdownOnce sync.Once
}

// NewServer creates a new agent HTTP server in a stopped state. Call
// Start() to begin serving requests.
func NewServer(addr string, deps Deps) *Server {
	router := NewRouter(deps)

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		addr: addr,
	}
}

// Start starts the HTTP server and blocks until the context is cancelled
// or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("agent API listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("agent API shutdown signal received")
		// Don't use the cancelled ctx: it would abort the drain
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("agent API failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("agent API shutdown error: %w", err)
			logger.Error("agent API shutdown error", "error", err)
		} else {
			logger.Info("agent API stopped gracefully")
		}
	})
	return shutdownErr
}
