package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/0xHecker/omni-stream/pkg/coordinator/transfers"
	"github.com/0xHecker/omni-stream/pkg/metrics"
)

// TransfersHandler exposes the transfer state machine over HTTP.
type TransfersHandler struct {
	service *transfers.Service
}

// NewTransfersHandler creates a transfers handler.
func NewTransfersHandler(service *transfers.Service) *TransfersHandler {
	return &TransfersHandler{service: service}
}

type transferItemInput struct {
	Filename string  `json:"filename" validate:"required,max=255"`
	Size     int64   `json:"size" validate:"gte=0"`
	SHA256   string  `json:"sha256" validate:"required,len=64,hexadecimal"`
	MimeType *string `json:"mime_type"`
}

type transferCreateRequest struct {
	ReceiverDeviceID string              `json:"receiver_device_id" validate:"required"`
	ReceiverShareID  string              `json:"receiver_share_id" validate:"required"`
	Items            []transferItemInput `json:"items" validate:"required,min=1,max=200,dive"`
}

// Create records a new transfer request targeting a receiver share.
func (h *TransfersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body transferCreateRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	items := make([]transfers.NewItem, 0, len(body.Items))
	for _, item := range body.Items {
		items = append(items, transfers.NewItem{
			Filename: item.Filename,
			Size:     item.Size,
			SHA256:   item.SHA256,
			MimeType: item.MimeType,
		})
	}

	transfer, err := h.service.Create(r.Context(), actorFromRequest(r),
		body.ReceiverDeviceID, body.ReceiverShareID, items)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.RecordTransferCreated()
	WriteJSONOK(w, transfer)
}

// List returns the caller's transfers filtered by role: all, incoming, or
// outgoing.
func (h *TransfersHandler) List(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	switch role {
	case "":
		role = "all"
	case "all", "incoming", "outgoing":
	default:
		BadRequest(w, "role must be all, incoming, or outgoing")
		return
	}

	result, err := h.service.List(r.Context(), actorFromRequest(r), role)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSONOK(w, map[string]any{"transfers": result})
}

// Get returns one transfer the caller is a party to.
func (h *TransfersHandler) Get(w http.ResponseWriter, r *http.Request) {
	transfer, err := h.service.Get(r.Context(), actorFromRequest(r), chi.URLParam(r, "transferID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSONOK(w, transfer)
}

type transferApproveRequest struct {
	Passcode            string         `json:"passcode" validate:"required"`
	ReceiverPreferences map[string]any `json:"receiver_preferences"`
}

// Approve accepts an incoming transfer and sets its passcode.
func (h *TransfersHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var body transferApproveRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	transfer, err := h.service.Approve(r.Context(), actorFromRequest(r),
		chi.URLParam(r, "transferID"), body.Passcode, body.ReceiverPreferences)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.RecordTransferState(transfer.State)
	WriteJSONOK(w, transfer)
}

type transferRejectRequest struct {
	Reason *string `json:"reason"`
}

// Reject declines an incoming transfer.
func (h *TransfersHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var body transferRejectRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	transfer, err := h.service.Reject(r.Context(), actorFromRequest(r),
		chi.URLParam(r, "transferID"), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.RecordTransferState(transfer.State)
	WriteJSONOK(w, transfer)
}

type passcodeOpenRequest struct {
	Passcode string `json:"passcode" validate:"required"`
}

// OpenPasscode verifies the sender-typed passcode and returns the upload
// ticket and the receiving agent's inbox URL.
func (h *TransfersHandler) OpenPasscode(w http.ResponseWriter, r *http.Request) {
	var body passcodeOpenRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	result, err := h.service.OpenPasscode(r.Context(), actorFromRequest(r),
		chi.URLParam(r, "transferID"), body.Passcode)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.RecordTransferState(result.Transfer.State)
	WriteJSONOK(w, result)
}

// ClearHistory deletes the caller's terminal transfers.
func (h *TransfersHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.ClearHistory(r.Context(), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSONOK(w, map[string]int{"deleted": count})
}

// CancelPending cancels every non-terminal transfer the caller is a party
// to.
func (h *TransfersHandler) CancelPending(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CancelPending(r.Context(), actorFromRequest(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSONOK(w, map[string]int{"cancelled": count})
}

type itemStateRequest struct {
	State string `json:"state" validate:"required,max=30"`
}

// UpdateItemState applies an agent's progress report on one item.
// Internal; runs behind the agent shared secret.
func (h *TransfersHandler) UpdateItemState(w http.ResponseWriter, r *http.Request) {
	var body itemStateRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	transfer, err := h.service.UpdateItemState(r.Context(),
		chi.URLParam(r, "transferID"), chi.URLParam(r, "itemID"), body.State)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	metrics.RecordTransferState(transfer.State)
	WriteJSONOK(w, map[string]bool{"ok": true})
}

// ItemManifest returns the item description for the receiving agent.
// Internal; the agent identifies itself via the x-agent-device-id header.
func (h *TransfersHandler) ItemManifest(w http.ResponseWriter, r *http.Request) {
	agentDeviceID := r.Header.Get("x-agent-device-id")
	if agentDeviceID == "" {
		BadRequest(w, "Missing agent device id")
		return
	}
	manifest, err := h.service.ItemManifest(r.Context(),
		chi.URLParam(r, "transferID"), chi.URLParam(r, "itemID"), agentDeviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	WriteJSONOK(w, manifest)
}
