package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/events"
	"github.com/0xHecker/omni-stream/pkg/token"
)

const authSubprotocolPrefix = "auth."

// EventsHandler issues websocket tokens and upgrades event subscriptions.
type EventsHandler struct {
	secret   string
	issuer   *token.Issuer
	broker   *events.Broker
	upgrader websocket.Upgrader
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(secret string, issuer *token.Issuer, broker *events.Broker) *EventsHandler {
	return &EventsHandler{
		secret: secret,
		issuer: issuer,
		broker: broker,
		// The fabric is LAN-scoped and tokens carry the real auth, so
		// origins are not filtered.
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Token mints the short-lived events_ws token used in the websocket
// handshake. Runs behind BearerAuth.
func (h *EventsHandler) Token(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuthContext(r.Context())
	if auth == nil {
		Unauthorized(w, "Authentication required")
		return
	}
	wsToken, err := h.issuer.EventsToken(auth.PrincipalID, auth.ClientDeviceID)
	if err != nil {
		InternalServerError(w, "Failed to issue token")
		return
	}
	WriteJSONOK(w, map[string]any{
		"ws_token":   wsToken,
		"expires_in": int(h.issuer.EventsTTL.Seconds()),
	})
}

// parseOffered splits the Sec-WebSocket-Protocol header into the offered
// subprotocols.
func parseOffered(r *http.Request) []string {
	var offered []string
	for _, header := range r.Header.Values("Sec-Websocket-Protocol") {
		for _, part := range strings.Split(header, ",") {
			if part = strings.TrimSpace(part); part != "" {
				offered = append(offered, part)
			}
		}
	}
	return offered
}

// authenticate extracts and validates the auth.<token> subprotocol.
// Returns the principal ID and the subprotocol the server should echo
// back, or ok=false when the handshake must be rejected.
func (h *EventsHandler) authenticate(offered []string) (principalID, selected string, ok bool) {
	var raw string
	for _, proto := range offered {
		if strings.HasPrefix(proto, authSubprotocolPrefix) {
			raw = strings.TrimPrefix(proto, authSubprotocolPrefix)
		} else if selected == "" {
			selected = proto
		}
	}
	if raw == "" {
		return "", selected, false
	}
	claims, err := token.Decode(h.secret, raw)
	if err != nil || claims.Kind() != token.KindEventsWS {
		return "", selected, false
	}
	principalID = claims.String("principal_id")
	if principalID == "" {
		return "", selected, false
	}
	return principalID, selected, true
}

// Subscribe upgrades the connection and registers it with the broker.
// Authentication rides in an "auth.<token>" subprotocol offer; a bad or
// missing token closes the socket with a policy violation.
func (h *EventsHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	offered := parseOffered(r)
	principalID, selected, authenticated := h.authenticate(offered)

	var responseHeader http.Header
	if selected != "" {
		responseHeader = http.Header{"Sec-Websocket-Protocol": []string{selected}}
	}
	conn, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if !authenticated {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	client := h.broker.Connect(principalID, conn)
	defer func() {
		client.Disconnect()
		_ = conn.Close()
	}()

	logger.Debug("event subscriber connected", "principal_id", principalID)
	for {
		messageType, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any text frame is treated as a keepalive ping.
		if messageType == websocket.TextMessage {
			if err := client.Pong(); err != nil {
				return
			}
		}
	}
}
