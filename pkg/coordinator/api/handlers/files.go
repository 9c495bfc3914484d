package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/agentclient"
	"github.com/0xHecker/omni-stream/pkg/coordinator/api/middleware"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/search"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/metrics"
	"github.com/0xHecker/omni-stream/pkg/token"
)

const (
	defaultListResults = 300
	minListResults     = 50
	maxListResults     = 5000
	maxQueryLength     = 120
)

// FilesHandler proxies browse and search requests to agent data planes.
type FilesHandler struct {
	store     store.DeviceStore
	acl       *acl.Service
	issuer    *token.Issuer
	agents    *agentclient.Client
	search    *search.Service
	browsePIN string
}

// NewFilesHandler creates a files handler. browsePIN may be empty, which
// disables the PIN gate.
func NewFilesHandler(s store.DeviceStore, aclSvc *acl.Service, issuer *token.Issuer, agents *agentclient.Client, searchSvc *search.Service, browsePIN string) *FilesHandler {
	return &FilesHandler{
		store:     s,
		acl:       aclSvc,
		issuer:    issuer,
		agents:    agents,
		search:    searchSvc,
		browsePIN: browsePIN,
	}
}

// requirePIN enforces the optional browse PIN. Returns false after
// writing the response.
func (h *FilesHandler) requirePIN(w http.ResponseWriter, r *http.Request) bool {
	if h.browsePIN == "" {
		return true
	}
	provided := strings.TrimSpace(r.URL.Query().Get("access_pin"))
	if provided == "" {
		Unauthorized(w, "Access PIN required")
		return false
	}
	if provided != h.browsePIN {
		Unauthorized(w, "Invalid access PIN")
		return false
	}
	return true
}

func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func queryBool(r *http.Request, name string, def bool) bool {
	raw := strings.ToLower(r.URL.Query().Get(name))
	switch raw {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// resolveTarget loads and checks one (device, share) pair: existence,
// ownership, visibility, and liveness. Returns false after writing the
// response.
func (h *FilesHandler) resolveTarget(w http.ResponseWriter, r *http.Request, principalID, deviceID, shareID string) (*models.AgentDevice, *models.Share, bool) {
	share, err := h.store.GetShare(r.Context(), shareID)
	if err != nil {
		NotFound(w, "Share not found")
		return nil, nil, false
	}
	if share.AgentDeviceID != deviceID {
		BadRequest(w, "Share does not belong to device")
		return nil, nil, false
	}
	device, err := h.store.GetAgentDevice(r.Context(), deviceID)
	if err != nil {
		NotFound(w, "Device not found")
		return nil, nil, false
	}
	if !device.Visibility && device.OwnerPrincipalID != principalID {
		NotFound(w, "Device not found")
		return nil, nil, false
	}
	if !device.IsOnline(time.Now().UTC()) {
		ServiceUnavailable(w, "Device is offline")
		return nil, nil, false
	}
	return device, share, true
}

func (h *FilesHandler) accessDescriptor(device *models.AgentDevice, share *models.Share, permissions acl.Set, ticket string) search.AccessDescriptor {
	return search.AccessDescriptor{
		DeviceID:     device.ID,
		ShareID:      share.ID,
		AgentBaseURL: strings.TrimRight(device.BaseURL, "/"),
		Ticket:       ticket,
		Permissions:  permissions.Sorted(),
		CanDownload:  permissions.Has(acl.PermDownload),
		ExpiresIn:    int(h.issuer.ReadTTL.Seconds()),
	}
}

// annotate fills the coordinator-side fields on items fresh from an
// agent. URLs are omitted in compact mode.
func annotate(items []agentclient.Item, device *models.AgentDevice, share *models.Share, permissions acl.Set, ticket string, compact bool) []agentclient.Item {
	out := make([]agentclient.Item, 0, len(items))
	for _, item := range items {
		if !compact && !item.IsDir {
			streamURL, downloadURL := agentclient.FileURLs(device.BaseURL, share.ID, item.Path, ticket)
			item.StreamURL = streamURL
			if permissions.Has(acl.PermDownload) {
				item.DownloadURL = downloadURL
			}
		}
		out = append(out, item)
	}
	return out
}

type listResponse struct {
	agentclient.ListPayload
	DeviceID    string                   `json:"device_id"`
	ShareID     string                   `json:"share_id"`
	Permissions []string                 `json:"permissions"`
	Access      *search.AccessDescriptor `json:"access,omitempty"`
}

// List proxies one directory level from a share's agent, annotated with
// ticketed file URLs.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.requirePIN(w, r) {
		return
	}
	auth := middleware.GetAuthContext(r.Context())
	query := r.URL.Query()
	deviceID := query.Get("device_id")
	shareID := query.Get("share_id")
	if deviceID == "" || shareID == "" {
		BadRequest(w, "device_id and share_id are required")
		return
	}
	path := query.Get("path")
	maxResults := queryInt(r, "max_results", defaultListResults, minListResults, maxListResults)
	compact := queryBool(r, "compact", false)

	device, share, ok := h.resolveTarget(w, r, auth.PrincipalID, deviceID, shareID)
	if !ok {
		return
	}
	permissions, err := h.acl.RequirePermission(r.Context(), auth.PrincipalID, share, acl.PermRead)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ticket, err := h.issuer.ReadTicket(auth.PrincipalID, share.ID, permissions.Sorted())
	if err != nil {
		InternalServerError(w, "Failed to issue ticket")
		return
	}

	payload, err := h.agents.ListShare(r.Context(), device.BaseURL, share.ID, path, ticket, maxResults)
	if err != nil {
		if errors.Is(err, agentclient.ErrUpstream) {
			BadGateway(w, err.Error())
			return
		}
		InternalServerError(w, "Failed to list share")
		return
	}

	response := listResponse{
		ListPayload: *payload,
		DeviceID:    device.ID,
		ShareID:     share.ID,
		Permissions: permissions.Sorted(),
	}
	response.Items = annotate(payload.Items, device, share, permissions, ticket, compact)
	if compact {
		access := h.accessDescriptor(device, share, permissions, ticket)
		response.Access = &access
	}
	WriteJSONOK(w, response)
}

type searchResponse struct {
	agentclient.SearchPayload
	DeviceID    string                   `json:"device_id"`
	ShareID     string                   `json:"share_id"`
	Permissions []string                 `json:"permissions"`
	Access      *search.AccessDescriptor `json:"access,omitempty"`
}

// Search runs either a single-share search (device_id and share_id both
// given) or a federated fan-out across every readable online share.
func (h *FilesHandler) Search(w http.ResponseWriter, r *http.Request) {
	if !h.requirePIN(w, r) {
		return
	}
	auth := middleware.GetAuthContext(r.Context())
	query := r.URL.Query()

	q := query.Get("q")
	if q == "" || len(q) > maxQueryLength {
		BadRequest(w, "q must be 1 to 120 characters")
		return
	}
	path := query.Get("path")
	recursive := queryBool(r, "recursive", true)
	compact := queryBool(r, "compact", false)
	perShare := queryInt(r, "max_results_per_share",
		search.DefaultMaxResultsPerShare, search.MinResultsPerShare, search.MaxResultsPerShareCap)
	total := queryInt(r, "max_results_total",
		search.DefaultMaxResultsTotal, search.MinResultsTotal, search.MaxResultsTotalCap)

	deviceID := query.Get("device_id")
	shareID := query.Get("share_id")
	if deviceID != "" && shareID != "" {
		h.searchSingle(w, r, auth.PrincipalID, deviceID, shareID, q, path, recursive, compact, perShare, total)
		return
	}

	metrics.RecordSearchFanout()
	params := search.Params{
		Query:              q,
		BasePath:           path,
		Recursive:          recursive,
		Compact:            compact,
		MaxShares:          queryInt(r, "max_shares", search.DefaultMaxShares, 1, search.MaxSharesCap),
		MaxResultsPerShare: perShare,
		MaxResultsTotal:    total,
		TimeoutBudgetMS: queryInt(r, "timeout_budget_ms",
			search.DefaultTimeoutBudgetMS, search.MinTimeoutBudgetMS, search.MaxTimeoutBudgetMS),
	}
	result, err := h.search.Run(r.Context(), auth.PrincipalID, params)
	if err != nil {
		InternalServerError(w, "Search failed")
		return
	}
	WriteJSONOK(w, result)
}

func (h *FilesHandler) searchSingle(w http.ResponseWriter, r *http.Request, principalID, deviceID, shareID, q, path string, recursive, compact bool, perShare, total int) {
	device, share, ok := h.resolveTarget(w, r, principalID, deviceID, shareID)
	if !ok {
		return
	}
	permissions, err := h.acl.RequirePermission(r.Context(), principalID, share, acl.PermRead)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	ticket, err := h.issuer.ReadTicket(principalID, share.ID, permissions.Sorted())
	if err != nil {
		InternalServerError(w, "Failed to issue ticket")
		return
	}

	maxResults := perShare
	if total < maxResults {
		maxResults = total
	}
	payload, err := h.agents.SearchShare(r.Context(), device.BaseURL, share.ID, path, q, recursive, ticket, maxResults)
	if err != nil {
		if errors.Is(err, agentclient.ErrUpstream) {
			BadGateway(w, err.Error())
			return
		}
		InternalServerError(w, "Failed to search share")
		return
	}

	response := searchResponse{
		SearchPayload: *payload,
		DeviceID:      device.ID,
		ShareID:       share.ID,
		Permissions:   permissions.Sorted(),
	}
	response.Items = annotate(payload.Items, device, share, permissions, ticket, compact)
	if compact {
		access := h.accessDescriptor(device, share, permissions, ticket)
		response.Access = &access
	}
	WriteJSONOK(w, response)
}
