// Package api provides the coordinator's HTTP control plane.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/agentclient"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api/handlers"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/events"
	"github.com/0xHecker/omni-stream/pkg/coordinator/search"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/coordinator/transfers"
	"github.com/0xHecker/omni-stream/pkg/metrics"
	"github.com/0xHecker/omni-stream/pkg/token"
)

// Deps carries the wired services the router exposes.
type Deps struct {
	Store     store.Store
	ACL       *acl.Service
	Issuer    *token.Issuer
	Agents    *agentclient.Client
	Broker    *events.Broker
	Transfers *transfers.Service
	Search    *search.Service

	SecretKey         string
	AgentSharedSecret string
	BrowsePIN         string
	PairingCodeTTL    time.Duration
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout on everything except the events websocket
//
// Routes:
//   - GET / - Service identity probe used by LAN discovery
//   - GET /metrics - Prometheus metrics (404 when disabled)
//   - POST /api/v1/pairing/start - Bootstrap or open a pairing session
//   - POST /api/v1/pairing/confirm - Confirm a pairing session (auth)
//   - POST /api/v1/auth/token - Device secret to access token exchange
//   - GET /api/v1/auth/me - Current principal and device (auth)
//   - /api/v1/catalog/* - Device and share catalog (auth)
//   - /api/v1/files/* - Browse and federated search proxy (auth)
//   - /api/v1/transfers/* - Transfer state machine (auth)
//   - GET /api/v1/events/token - Websocket token (auth)
//   - GET /api/v1/events/ws - Event subscription websocket
//   - /api/v1/internal/* - Agent-facing endpoints (shared secret)
func NewRouter(deps Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	pairingHandler := handlers.NewPairingHandler(deps.Store, deps.ACL, deps.Issuer, deps.PairingCodeTTL)
	authHandler := handlers.NewAuthHandler(deps.Store, deps.Issuer)
	catalogHandler := handlers.NewCatalogHandler(deps.Store, deps.ACL)
	filesHandler := handlers.NewFilesHandler(deps.Store, deps.ACL, deps.Issuer, deps.Agents, deps.Search, deps.BrowsePIN)
	transfersHandler := handlers.NewTransfersHandler(deps.Transfers)
	eventsHandler := handlers.NewEventsHandler(deps.SecretKey, deps.Issuer, deps.Broker)

	requireAuth := middleware.BearerAuth(deps.SecretKey, deps.Store)
	requireAgent := middleware.AgentSecret(deps.AgentSharedSecret)

	// Identity probe; LAN discovery sweeps for this response.
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		handlers.WriteJSONOK(w, map[string]string{"service": "coordinator", "status": "ok"})
	})

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	// The websocket lives outside the timeout group; subscriptions are
	// long-lived by design.
	r.Get("/api/v1/events/ws", eventsHandler.Subscribe)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(30 * time.Second))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/pairing/start", pairingHandler.Start)
			r.Post("/auth/token", authHandler.Token)

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)

				r.Post("/pairing/confirm", pairingHandler.Confirm)
				r.Get("/auth/me", authHandler.Me)

				r.Route("/catalog", func(r chi.Router) {
					r.Get("/devices", catalogHandler.ListDevices)
					r.Post("/devices/{deviceID}/visibility", catalogHandler.SetVisibility)
					r.Get("/shares", catalogHandler.ListShares)
				})

				r.Route("/files", func(r chi.Router) {
					r.Get("/list", filesHandler.List)
					r.Get("/search", filesHandler.Search)
				})

				r.Route("/transfers", func(r chi.Router) {
					r.Post("/", transfersHandler.Create)
					r.Get("/", transfersHandler.List)
					r.Post("/history/clear", transfersHandler.ClearHistory)
					r.Post("/pending/cancel", transfersHandler.CancelPending)
					r.Get("/{transferID}", transfersHandler.Get)
					r.Post("/{transferID}/approve", transfersHandler.Approve)
					r.Post("/{transferID}/reject", transfersHandler.Reject)
					r.Post("/{transferID}/passcode/open", transfersHandler.OpenPasscode)
				})

				r.Get("/events/token", eventsHandler.Token)
			})

			r.Route("/internal", func(r chi.Router) {
				r.Use(requireAgent)

				r.Post("/agents/register", catalogHandler.RegisterAgent)
				r.Post("/agents/{deviceID}/heartbeat", catalogHandler.Heartbeat)
				r.Post("/transfers/{transferID}/items/{itemID}/state", transfersHandler.UpdateItemState)
				r.Get("/transfers/{transferID}/items/{itemID}", transfersHandler.ItemManifest)
			})
		})
	})

	return r
}

// requestLogger is a custom middleware that logs requests using the
// internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
//   - Probe requests are logged at DEBUG level to reduce noise
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := chimiddleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
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

		// Discovery sweeps hammer the root probe; keep it at DEBUG
		if r.URL.Path == "/" || r.URL.Path == "/metrics" {
			logger.Debug("API request completed", logArgs...)
		} else {
			logger.Info("API request completed", logArgs...)
		}
	})
}
