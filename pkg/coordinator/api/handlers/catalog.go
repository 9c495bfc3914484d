package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
)

// CatalogHandler serves the device and share catalog plus the internal
// agent registration endpoints.
type CatalogHandler struct {
	store store.Store
	acl   *acl.Service
}

// NewCatalogHandler creates a catalog handler.
func NewCatalogHandler(s store.Store, aclSvc *acl.Service) *CatalogHandler {
	return &CatalogHandler{store: s, acl: aclSvc}
}

type shareRegistration struct {
	ShareID  string `json:"share_id"`
	Name     string `json:"name" validate:"required,max=120"`
	RootPath string `json:"root_path" validate:"required,max=500"`
	ReadOnly bool   `json:"read_only"`
}

type agentRegisterRequest struct {
	AgentDeviceID    string              `json:"agent_device_id"`
	OwnerPrincipalID string              `json:"owner_principal_id" validate:"required"`
	Name             string              `json:"name" validate:"required,max=120"`
	BaseURL          string              `json:"base_url" validate:"required,max=300"`
	Visible          *bool               `json:"visible"`
	Shares           []shareRegistration `json:"shares"`
}

type registeredShare struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RootPath string `json:"root_path"`
	ReadOnly bool   `json:"read_only"`
}

// RegisterAgent upserts an agent device and its shares. New shares get
// default grants materialized for every active non-owner principal.
func (h *CatalogHandler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body agentRegisterRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	ctx := r.Context()
	now := time.Now().UTC()

	owner, err := h.store.GetPrincipal(ctx, body.OwnerPrincipalID)
	if err != nil || !owner.IsActive() {
		NotFound(w, "Owner principal not found")
		return
	}

	visible := true
	if body.Visible != nil {
		visible = *body.Visible
	}
	baseURL := strings.TrimRight(body.BaseURL, "/")

	var device *models.AgentDevice
	if body.AgentDeviceID != "" {
		device, err = h.store.GetAgentDevice(ctx, body.AgentDeviceID)
		if err != nil && !errors.Is(err, models.ErrDeviceNotFound) {
			InternalServerError(w, "Failed to load device")
			return
		}
	}
	if device == nil {
		device = &models.AgentDevice{
			ID:               body.AgentDeviceID,
			OwnerPrincipalID: owner.ID,
			Name:             body.Name,
			BaseURL:          baseURL,
			Visibility:       visible,
			OnlineState:      true,
			LastSeen:         &now,
		}
		if err := h.store.CreateAgentDevice(ctx, device); err != nil {
			InternalServerError(w, "Failed to create device")
			return
		}
	} else {
		device.OwnerPrincipalID = owner.ID
		device.Name = body.Name
		device.BaseURL = baseURL
		device.Visibility = visible
		device.OnlineState = true
		device.LastSeen = &now
		if err := h.store.SaveAgentDevice(ctx, device); err != nil {
			InternalServerError(w, "Failed to update device")
			return
		}
	}

	existing, err := h.store.ListSharesForDevice(ctx, device.ID)
	if err != nil {
		InternalServerError(w, "Failed to load shares")
		return
	}
	existingByID := make(map[string]*models.Share, len(existing))
	for i := range existing {
		existingByID[existing[i].ID] = &existing[i]
	}

	response := make([]registeredShare, 0, len(body.Shares))
	for _, input := range body.Shares {
		share := existingByID[input.ShareID]
		if share == nil {
			share = &models.Share{
				ID:            input.ShareID,
				AgentDeviceID: device.ID,
				Name:          input.Name,
				RootPath:      input.RootPath,
				ReadOnly:      input.ReadOnly,
			}
			if err := h.store.CreateShare(ctx, share); err != nil {
				InternalServerError(w, "Failed to create share")
				return
			}
			if err := h.acl.EnsureDefaultGrantsForShare(ctx, share, device.OwnerPrincipalID); err != nil {
				InternalServerError(w, "Failed to materialize grants")
				return
			}
		} else {
			share.Name = input.Name
			share.RootPath = input.RootPath
			share.ReadOnly = input.ReadOnly
			if err := h.store.SaveShare(ctx, share); err != nil {
				InternalServerError(w, "Failed to update share")
				return
			}
		}
		response = append(response, registeredShare{
			ID:       share.ID,
			Name:     share.Name,
			RootPath: share.RootPath,
			ReadOnly: share.ReadOnly,
		})
	}

	h.writeAudit(r, "agent_registered", "agent_device", device.ID, device.OwnerPrincipalID,
		map[string]any{"share_count": len(response)})

	WriteJSONOK(w, map[string]any{"device_id": device.ID, "shares": response})
}

type heartbeatRequest struct {
	Online *bool `json:"online"`
}

// Heartbeat refreshes a device's last_seen and its self-reported online
// state.
func (h *CatalogHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var body heartbeatRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	device, err := h.store.GetAgentDevice(r.Context(), deviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	now := time.Now().UTC()
	device.LastSeen = &now
	device.OnlineState = body.Online == nil || *body.Online
	if err := h.store.SaveAgentDevice(r.Context(), device); err != nil {
		InternalServerError(w, "Failed to update device")
		return
	}
	WriteJSONOK(w, map[string]bool{"ok": true})
}

type deviceSummary struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	OwnerPrincipalID string     `json:"owner_principal_id"`
	Visible          bool       `json:"visible"`
	Online           bool       `json:"online"`
	LastSeen         *time.Time `json:"last_seen"`
}

// ListDevices returns every device the caller may see. Hidden devices
// appear only to their owner.
func (h *CatalogHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuthContext(r.Context())
	devices, err := h.store.ListAgentDevices(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list devices")
		return
	}

	now := time.Now().UTC()
	payload := make([]deviceSummary, 0, len(devices))
	for i := range devices {
		device := &devices[i]
		if !device.Visibility && device.OwnerPrincipalID != auth.PrincipalID {
			continue
		}
		payload = append(payload, deviceSummary{
			ID:               device.ID,
			Name:             device.Name,
			OwnerPrincipalID: device.OwnerPrincipalID,
			Visible:          device.Visibility,
			Online:           device.IsOnline(now),
			LastSeen:         device.LastSeen,
		})
	}
	WriteJSONOK(w, map[string]any{"devices": payload})
}

type visibilityRequest struct {
	Visible *bool `json:"visible" validate:"required"`
}

// SetVisibility toggles a device in or out of the shared catalog. Owner
// only.
func (h *CatalogHandler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuthContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	var body visibilityRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	device, err := h.store.GetAgentDevice(r.Context(), deviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if device.OwnerPrincipalID != auth.PrincipalID {
		Forbidden(w, "Only owner can change visibility")
		return
	}
	device.Visibility = *body.Visible
	if err := h.store.SaveAgentDevice(r.Context(), device); err != nil {
		InternalServerError(w, "Failed to update device")
		return
	}
	WriteJSONOK(w, map[string]any{"id": device.ID, "visible": device.Visibility})
}

type shareSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DeviceID     string   `json:"device_id"`
	ReadOnly     bool     `json:"read_only"`
	Permissions  []string `json:"permissions"`
	DeviceOnline bool     `json:"device_online"`
}

// ListShares returns the shares the caller can reach along with the
// resolved permissions. Shares the caller has no permissions on are
// omitted entirely.
func (h *CatalogHandler) ListShares(w http.ResponseWriter, r *http.Request) {
	auth := middleware.GetAuthContext(r.Context())
	deviceFilter := r.URL.Query().Get("device_id")

	shares, err := h.store.ListShares(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list shares")
		return
	}

	ownerByShare := make(map[string]string, len(shares))
	visible := make([]models.Share, 0, len(shares))
	for _, share := range shares {
		if deviceFilter != "" && share.AgentDeviceID != deviceFilter {
			continue
		}
		device := share.AgentDevice
		if !device.Visibility && device.OwnerPrincipalID != auth.PrincipalID {
			continue
		}
		ownerByShare[share.ID] = device.OwnerPrincipalID
		visible = append(visible, share)
	}

	permsByShare, err := h.acl.PermissionsForShares(r.Context(), auth.PrincipalID, visible, ownerByShare)
	if err != nil {
		InternalServerError(w, "Failed to resolve permissions")
		return
	}

	now := time.Now().UTC()
	payload := make([]shareSummary, 0, len(visible))
	for _, share := range visible {
		permissions := permsByShare[share.ID]
		if len(permissions) == 0 {
			continue
		}
		payload = append(payload, shareSummary{
			ID:           share.ID,
			Name:         share.Name,
			DeviceID:     share.AgentDeviceID,
			ReadOnly:     share.ReadOnly,
			Permissions:  permissions.Sorted(),
			DeviceOnline: share.AgentDevice.IsOnline(now),
		})
	}
	sort.Slice(payload, func(i, j int) bool {
		return strings.ToLower(payload[i].Name) < strings.ToLower(payload[j].Name)
	})
	WriteJSONOK(w, map[string]any{"shares": payload})
}

func (h *CatalogHandler) writeAudit(r *http.Request, action, resourceType, resourceID, actorPrincipalID string, metadata map[string]any) {
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
