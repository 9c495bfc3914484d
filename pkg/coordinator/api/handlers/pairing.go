package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/identity"
	"github.com/0xHecker/omni-stream/pkg/token"
)

const maxPairingAttempts = 5

// pairingAttempts is the in-process lockout table for pairing codes.
// Ephemeral; a restart clears it.
type pairingAttempts struct {
	mu    sync.Mutex
	state map[string]*attemptState
}

type attemptState struct {
	failureCount int
	lockedUntil  *time.Time
}

func newPairingAttempts() *pairingAttempts {
	return &pairingAttempts{state: make(map[string]*attemptState)}
}

// checkLock reports whether the session is currently locked. An elapsed
// lock resets the failure count.
func (p *pairingAttempts) checkLock(sessionID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.state[sessionID]
	if !ok || state.lockedUntil == nil {
		return false
	}
	if state.lockedUntil.After(now) {
		return true
	}
	state.lockedUntil = nil
	state.failureCount = 0
	return false
}

func (p *pairingAttempts) recordFailure(sessionID string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.state[sessionID]
	if !ok {
		state = &attemptState{}
		p.state[sessionID] = state
	}
	state.failureCount++
	if state.failureCount >= maxPairingAttempts {
		shift := state.failureCount
		if shift > 8 {
			shift = 8
		}
		lockSeconds := 1 << shift
		if lockSeconds > 300 {
			lockSeconds = 300
		}
		lockedUntil := now.Add(time.Duration(lockSeconds) * time.Second)
		state.lockedUntil = &lockedUntil
	}
}

func (p *pairingAttempts) clear(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, sessionID)
}

// PairingHandler bootstraps the first principal and runs code-confirmed
// pairing for everyone after.
type PairingHandler struct {
	store      store.Store
	acl        *acl.Service
	issuer     *token.Issuer
	pairingTTL time.Duration
	attempts   *pairingAttempts
}

// NewPairingHandler creates a pairing handler.
func NewPairingHandler(s store.Store, aclSvc *acl.Service, issuer *token.Issuer, pairingTTL time.Duration) *PairingHandler {
	return &PairingHandler{
		store:      s,
		acl:        aclSvc,
		issuer:     issuer,
		pairingTTL: pairingTTL,
		attempts:   newPairingAttempts(),
	}
}

type pairingStartRequest struct {
	DisplayName string  `json:"display_name" validate:"required,max=80"`
	DeviceName  string  `json:"device_name" validate:"required,max=120"`
	Platform    string  `json:"platform" validate:"required,max=60"`
	PublicKey   *string `json:"public_key"`
}

type pairingStartResponse struct {
	Bootstrap        bool       `json:"bootstrap"`
	PrincipalID      string     `json:"principal_id,omitempty"`
	ClientDeviceID   string     `json:"client_device_id,omitempty"`
	AccessToken      string     `json:"access_token,omitempty"`
	DeviceSecret     string     `json:"device_secret,omitempty"`
	PendingPairingID string     `json:"pending_pairing_id,omitempty"`
	PairingCode      string     `json:"pairing_code,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

func randomPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (h *PairingHandler) audit(r *http.Request, action, resourceType, resourceID, actorPrincipalID string, metadata map[string]any) {
	event := &models.AuditEvent{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	if actorPrincipalID != "" {
		event.ActorPrincipalID = &actorPrincipalID
	}
	ip := clientIP(r)
	event.IP = &ip
	if ua := r.UserAgent(); ua != "" {
		event.UserAgent = &ua
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			encoded := string(raw)
			event.MetadataJSON = &encoded
		}
	}
	if err := h.store.WriteAudit(r.Context(), event); err != nil {
		logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// Start bootstraps the first principal directly, or opens a pairing
// session carrying a 6-digit code for everyone after.
func (h *PairingHandler) Start(w http.ResponseWriter, r *http.Request) {
	var body pairingStartRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ctx := r.Context()

	count, err := h.store.CountPrincipals(ctx)
	if err != nil {
		InternalServerError(w, "Failed to check principals")
		return
	}

	if count == 0 {
		principal := &models.Principal{DisplayName: body.DisplayName, PublicKey: body.PublicKey}
		if err := h.store.CreatePrincipal(ctx, principal); err != nil {
			InternalServerError(w, "Failed to create principal")
			return
		}

		deviceSecret, err := identity.GenerateDeviceSecret()
		if err != nil {
			InternalServerError(w, "Failed to generate device secret")
			return
		}
		secretHash, err := identity.HashSecret(deviceSecret)
		if err != nil {
			InternalServerError(w, "Failed to hash device secret")
			return
		}
		now := time.Now().UTC()
		device := &models.ClientDevice{
			PrincipalID:      principal.ID,
			Name:             body.DeviceName,
			Platform:         body.Platform,
			PublicKey:        body.PublicKey,
			DeviceSecretHash: secretHash,
			LastSeen:         &now,
		}
		if err := h.store.CreateClientDevice(ctx, device); err != nil {
			InternalServerError(w, "Failed to create client device")
			return
		}
		if err := h.acl.EnsureDefaultGrantsForPrincipal(ctx, principal.ID); err != nil {
			InternalServerError(w, "Failed to materialize grants")
			return
		}
		h.audit(r, "principal_bootstrap", "principal", principal.ID, principal.ID,
			map[string]any{"client_device_id": device.ID})

		accessToken, err := h.issuer.AccessToken(principal.ID, device.ID)
		if err != nil {
			InternalServerError(w, "Failed to issue token")
			return
		}
		WriteJSONOK(w, pairingStartResponse{
			Bootstrap:      true,
			PrincipalID:    principal.ID,
			ClientDeviceID: device.ID,
			AccessToken:    accessToken,
			DeviceSecret:   deviceSecret,
		})
		return
	}

	code, err := randomPairingCode()
	if err != nil {
		InternalServerError(w, "Failed to generate pairing code")
		return
	}
	expiresAt := time.Now().UTC().Add(h.pairingTTL)
	session := &models.PairingSession{
		DisplayName: body.DisplayName,
		DeviceName:  body.DeviceName,
		Platform:    body.Platform,
		PublicKey:   body.PublicKey,
		PairingCode: code,
		Status:      models.PairingPending,
		ExpiresAt:   expiresAt,
	}
	if err := h.store.CreatePairingSession(ctx, session); err != nil {
		InternalServerError(w, "Failed to create pairing session")
		return
	}
	WriteJSONOK(w, pairingStartResponse{
		Bootstrap:        false,
		PendingPairingID: session.ID,
		PairingCode:      code,
		ExpiresAt:        &expiresAt,
	})
}

type pairingConfirmRequest struct {
	PendingPairingID string `json:"pending_pairing_id" validate:"required"`
	PairingCode      string `json:"pairing_code" validate:"required,len=6"`
}

// Confirm lets an existing principal approve a pending session by code,
// minting a new client device under their identity.
func (h *PairingHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuthContext(r.Context())
	if auth == nil {
		Unauthorized(w, "Authentication required")
		return
	}
	var body pairingConfirmRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ctx := r.Context()
	now := time.Now().UTC()

	session, err := h.store.GetPairingSession(ctx, body.PendingPairingID)
	if err != nil || session.Status != models.PairingPending {
		NotFound(w, "Pairing session not found")
		return
	}
	if h.attempts.checkLock(session.ID, now) {
		TooManyRequests(w, "Pairing temporarily locked")
		return
	}
	if session.PairingCode != body.PairingCode {
		h.attempts.recordFailure(session.ID, now)
		Unauthorized(w, "Invalid pairing code")
		return
	}
	if session.ExpiresAt.Before(now) {
		session.Status = models.PairingExpired
		h.attempts.clear(session.ID)
		if err := h.store.SavePairingSession(ctx, session); err != nil {
			logger.Warn("failed to mark pairing session expired", "error", err)
		}
		Gone(w, "Pairing session expired")
		return
	}

	deviceSecret, err := identity.GenerateDeviceSecret()
	if err != nil {
		InternalServerError(w, "Failed to generate device secret")
		return
	}
	secretHash, err := identity.HashSecret(deviceSecret)
	if err != nil {
		InternalServerError(w, "Failed to hash device secret")
		return
	}
	device := &models.ClientDevice{
		PrincipalID:      auth.PrincipalID,
		Name:             session.DeviceName,
		Platform:         session.Platform,
		PublicKey:        session.PublicKey,
		DeviceSecretHash: secretHash,
		LastSeen:         &now,
	}
	if err := h.store.CreateClientDevice(ctx, device); err != nil {
		InternalServerError(w, "Failed to create client device")
		return
	}

	session.Status = models.PairingConfirmed
	approver := auth.PrincipalID
	session.ApprovedByPrincipalID = &approver
	if err := h.store.SavePairingSession(ctx, session); err != nil {
		InternalServerError(w, "Failed to update pairing session")
		return
	}
	h.attempts.clear(session.ID)

	h.audit(r, "pairing_confirmed", "pairing_session", session.ID, auth.PrincipalID,
		map[string]any{"client_device_id": device.ID})

	accessToken, err := h.issuer.AccessToken(auth.PrincipalID, device.ID)
	if err != nil {
		InternalServerError(w, "Failed to issue token")
		return
	}
	WriteJSONOK(w, pairingStartResponse{
		Bootstrap:      false,
		PrincipalID:    auth.PrincipalID,
		ClientDeviceID: device.ID,
		AccessToken:    accessToken,
		DeviceSecret:   deviceSecret,
	})
}
