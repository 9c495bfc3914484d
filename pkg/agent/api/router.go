package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/agent/inbox"
	"github.com/0xHecker/omni-stream/pkg/agent/store"
	"github.com/0xHecker/omni-stream/pkg/metrics"
)

// Deps carries the wired services the agent router exposes.
type Deps struct {
	Store store.Store
	Inbox *inbox.Service

	// SecretKey verifies coordinator-minted tickets.
	SecretKey string
}

// NewRouter creates and configures the agent's chi router.
//
// Routes:
//   - GET / - Service identity probe
//   - GET /health - Liveness check
//   - GET /metrics - Prometheus metrics (404 when disabled)
//   - GET /agent/v1/shares/{shareID}/list - One directory level (read ticket)
//   - GET /agent/v1/shares/{shareID}/search - Substring search (read ticket)
//   - GET /agent/v1/shares/{shareID}/stream - Inline file bytes (read ticket)
//   - GET /agent/v1/shares/{shareID}/download - Attachment download (download ticket)
//   - /agent/v1/inbox/transfers/{transferID}/* - Upload state machine (transfer ticket)
//
// No request timeout is applied: streams and chunk uploads are bounded by
// the client, not the clock.
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	sharesHandler := NewSharesHandler(deps.Store, deps.SecretKey)
	inboxHandler := NewInboxHandler(deps.Inbox, deps.SecretKey)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		writeJSONOK(w, map[string]string{"service": "agent", "status": "ok"})
	})
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSONOK(w, map[string]string{"status": "ok", "service": "agent"})
	})
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/agent/v1", func(r chi.Router) {
		r.Route("/shares/{shareID}", func(r chi.Router) {
			r.Get("/list", sharesHandler.List)
			r.Get("/search", sharesHandler.Search)
			r.Get("/stream", sharesHandler.Stream)
			r.Get("/download", sharesHandler.Download)
		})

		r.Route("/inbox/transfers/{transferID}", func(r chi.Router) {
			r.Get("/status", inboxHandler.Status)
			r.Post("/pause", inboxHandler.Pause)
			r.Post("/resume", inboxHandler.Resume)
			r.Post("/chunk", inboxHandler.Chunk)
			r.Post("/commit", inboxHandler.Commit)
			r.Post("/finalize", inboxHandler.Finalize)
		})
	})

	return r
}

// requestLogger logs requests using the internal logger. Probe endpoints
// stay at DEBUG to keep discovery sweeps out of the logs.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("agent request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logArgs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		}

		if r.URL.Path == "/" || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			logger.Debug("agent request completed", logArgs...)
		} else {
			logger.Info("agent request completed", logArgs...)
		}
	})
}
