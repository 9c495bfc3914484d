package handlers

import (
	"net/http"
	"time"

	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/identity"
	"github.com/0xHecker/omni-stream/pkg/token"
)

// AuthHandler exchanges device secrets for access tokens.
type AuthHandler struct {
	store  store.PrincipalStore
	issuer *token.Issuer
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(s store.PrincipalStore, issuer *token.Issuer) *AuthHandler {
	return &AuthHandler{store: s, issuer: issuer}
}

type tokenRequest struct {
	PrincipalID    string `json:"principal_id" validate:"required"`
	ClientDeviceID string `json:"client_device_id" validate:"required"`
	DeviceSecret   string `json:"device_secret" validate:"required"`
}

type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	ExpiresIn      int    `json:"expires_in"`
	PrincipalID    string `json:"principal_id"`
	ClientDeviceID string `json:"client_device_id"`
}

// Token exchanges a device secret for a client_access token. Failures are
// deliberately indistinct so callers cannot probe which part was wrong.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ctx := r.Context()

	principal, err := h.store.GetPrincipal(ctx, body.PrincipalID)
	if err != nil || !principal.IsActive() {
		Unauthorized(w, "Invalid credentials")
		return
	}
	device, err := h.store.GetClientDevice(ctx, body.ClientDeviceID)
	if err != nil || !device.IsActive() || device.PrincipalID != principal.ID {
		Unauthorized(w, "Invalid credentials")
		return
	}
	if !identity.VerifySecret(device.DeviceSecretHash, body.DeviceSecret) {
		Unauthorized(w, "Invalid credentials")
		return
	}

	now := time.Now().UTC()
	device.LastSeen = &now
	if err := h.store.SaveClientDevice(ctx, device); err != nil {
		InternalServerError(w, "Failed to update device")
		return
	}

	accessToken, err := h.issuer.AccessToken(principal.ID, device.ID)
	if err != nil {
		InternalServerError(w, "Failed to issue token")
		return
	}
	WriteJSONOK(w, tokenResponse{
		AccessToken:    accessToken,
		ExpiresIn:      int(h.issuer.AccessTTL.Seconds()),
		PrincipalID:    principal.ID,
		ClientDeviceID: device.ID,
	})
}

type meResponse struct {
	Principal    *models.Principal    `json:"principal"`
	ClientDevice *models.ClientDevice `json:"client_device"`
}

// Me returns the authenticated principal and device snapshots.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuthContext(r.Context())
	if auth == nil {
		Unauthorized(w, "Authentication required")
		return
	}
	principal, err := h.store.GetPrincipal(r.Context(), auth.PrincipalID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	device, err := h.store.GetClientDevice(r.Context(), auth.ClientDeviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSONOK(w, meResponse{Principal: principal, ClientDevice: device})
}
