package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0xHecker/omni-stream/internal/logger"
)

// Server provides the coordinator's HTTP server.
//
// The server supports graceful shutdown: in-flight requests drain and
// event websockets receive a going-away close frame.
type Server struct {
	server       *http.Server
	deps         Deps
	addr         string
	shutdownOnce sync.Once
}

// NewServer creates a new coordinator HTTP server.
//
// The server is created in a stopped state. Call Start() to begin serving
// requests.
func NewServer(addr string, deps Deps) *Server {
	router := NewRouter(deps)

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		deps: deps,
		addr: addr,
	}
}

// Start starts the HTTP server and blocks until the context is cancelled
// or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and
// returns.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("coordinator API listening", "addr", s.addr)
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
		logger.Info("coordinator API shutdown signal received")
		// Don't use the cancelled ctx: it would abort the drain
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("coordinator API failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call multiple times and
// concurrently with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("coordinator API shutdown initiated")

		if s.deps.Broker != nil {
			s.deps.Broker.CloseAll(websocket.CloseGoingAway)
		}
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("coordinator API shutdown error: %w", err)
			logger.Error("coordinator API shutdown error", "error", err)
		} else {
			logger.Info("coordinator API stopped gracefully")
		}
	})
	return shutdownErr
}
