package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/0xHecker/omni-stream/pkg/agent/inbox"
	"github.com/0xHecker/omni-stream/pkg/agent/models"
	"github.com/0xHecker/omni-stream/pkg/metrics"
	"github.com/0xHecker/omni-stream/pkg/pathsafe"
	"github.com/0xHecker/omni-stream/pkg/token"
)

var validate = validator.New()

// InboxHandler serves the transfer upload endpoints.
type InboxHandler struct {
	service *inbox.Service
	secret  string
}

// NewInboxHandler creates an inbox handler.
func NewInboxHandler(service *inbox.Service, secret string) *InboxHandler {
	return &InboxHandler{service: service, secret: secret}
}

// verifyTicket checks the transfer ticket against the transfer and share.
// Writes the problem response and returns "" on rejection.
func (h *InboxHandler) verifyTicket(w http.ResponseWriter, r *http.Request, transferID string) (shareID string, ok bool) {
	shareID = r.URL.Query().Get("share_id")
	if shareID == "" {
		badRequest(w, "Missing share_id")
		return "", false
	}
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		unauthorized(w, "Missing ticket")
		return "", false
	}
	if _, err := token.VerifyTransferTicket(h.secret, ticket, transferID, shareID); err != nil {
		if errors.Is(err, token.ErrScope) {
			forbidden(w, err.Error())
		} else {
			unauthorized(w, err.Error())
		}
		return "", false
	}
	return shareID, true
}

// writeInboxError maps inbox service errors onto the problem taxonomy.
func writeInboxError(w http.ResponseWriter, err error) {
	var offsetErr *inbox.OffsetError
	switch {
	case errors.As(err, &offsetErr):
		conflict(w, fmt.Sprintf("Unexpected chunk offset, expected %d", offsetErr.Expected))
	case errors.Is(err, inbox.ErrNotApproved):
		notFound(w, "Transfer item not approved")
	case errors.Is(err, models.ErrItemNotFound):
		notFound(w, "Transfer item not found")
	case errors.Is(err, models.ErrShareNotFound):
		notFound(w, "Share not found")
	case errors.Is(err, inbox.ErrPartMissing):
		notFound(w, "Transfer chunk file missing")
	case errors.Is(err, inbox.ErrCommittedFileMissing):
		notFound(w, "Committed file not found")
	case errors.Is(err, inbox.ErrShareMismatch):
		forbidden(w, "Share mismatch for transfer item")
	case errors.Is(err, inbox.ErrShareReadOnly):
		forbidden(w, "Share is read-only")
	case errors.Is(err, inbox.ErrAlreadyCommitted):
		conflict(w, "Item already committed")
	case errors.Is(err, inbox.ErrPausedState):
		conflict(w, "Transfer is paused")
	case errors.Is(err, inbox.ErrMetadataMismatch):
		conflict(w, "Chunk metadata mismatch")
	case errors.Is(err, inbox.ErrBadManifest):
		conflict(w, "Transfer item manifest is invalid")
	case errors.Is(err, inbox.ErrChunkBeyondSize):
		conflict(w, "Chunk exceeds expected item size")
	case errors.Is(err, inbox.ErrOffsetBeyondSize):
		conflict(w, "Chunk offset exceeds expected size")
	case errors.Is(err, inbox.ErrFinalSizeMismatch):
		conflict(w, "Final chunk does not match expected size")
	case errors.Is(err, inbox.ErrSizeMismatch):
		conflict(w, "Received size does not match expected size")
	case errors.Is(err, inbox.ErrChecksumMismatch):
		conflict(w, "Checksum mismatch")
	case errors.Is(err, inbox.ErrNotCommitted):
		conflict(w, "Transfer item is not committed")
	case errors.Is(err, inbox.ErrNameExhausted):
		conflict(w, "Failed to allocate destination filename")
	case errors.Is(err, inbox.ErrChunkTooLarge):
		payloadTooLarge(w, "Chunk too large")
	case errors.Is(err, inbox.ErrBadFilename):
		badRequest(w, "Invalid filename")
	case errors.Is(err, pathsafe.ErrTraversal), errors.Is(err, pathsafe.ErrOutsideRoot):
		badRequest(w, err.Error())
	default:
		internalServerError(w, "Internal error")
	}
}

// Status reports per-item progress for a transfer.
func (h *InboxHandler) Status(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	shareID, ok := h.verifyTicket(w, r, transferID)
	if !ok {
		return
	}
	items, err := h.service.Status(r.Context(), transferID, shareID)
	if err != nil {
		writeInboxError(w, err)
		return
	}
	writeJSONOK(w, map[string]any{
		"transfer_id": transferID,
		"items":       items,
	})
}

// Pause freezes in-flight items of a transfer.
func (h *InboxHandler) Pause(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	shareID, ok := h.verifyTicket(w, r, transferID)
	if !ok {
		return
	}
	if err := h.service.Pause(r.Context(), transferID, shareID); err != nil {
		writeInboxError(w, err)
		return
	}
	writeJSONOK(w, map[string]bool{"ok": true})
}

// Resume unfreezes paused items of a transfer.
func (h *InboxHandler) Resume(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	shareID, ok := h.verifyTicket(w, r, transferID)
	if !ok {
		return
	}
	if err := h.service.Resume(r.Context(), transferID, shareID); err != nil {
		writeInboxError(w, err)
		return
	}
	writeJSONOK(w, map[string]bool{"ok": true})
}

// Chunk accepts one upload chunk. Addressing rides in query parameters,
// positioning in the x-chunk-offset and x-chunk-last headers, and the raw
// bytes in the body.
func (h *InboxHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	shareID, ok := h.verifyTicket(w, r, transferID)
	if !ok {
		return
	}

	q := r.URL.Query()
	itemID := q.Get("item_id")
	filename := q.Get("filename")
	if itemID == "" || filename == "" {
		badRequest(w, "Missing item_id or filename")
		return
	}
	size, err := strconv.ParseInt(q.Get("size"), 10, 64)
	if err != nil || size < 0 {
		badRequest(w, "Invalid size")
		return
	}
	sha := q.Get("sha256")
	if len(sha) != 64 {
		badRequest(w, "Invalid sha256")
		return
	}

	if r.ContentLength > h.service.ChunkMaxBytes() {
		payloadTooLarge(w, "Chunk too large")
		return
	}

	offsetHeader := r.Header.Get("x-chunk-offset")
	if offsetHeader == "" {
		offsetHeader = "0"
	}
	offset, err := strconv.ParseInt(offsetHeader, 10, 64)
	if err != nil || offset < 0 {
		badRequest(w, "Invalid x-chunk-offset header")
		return
	}
	last := strings.TrimSpace(r.Header.Get("x-chunk-last")) == "1"

	result, err := h.service.ReceiveChunk(r.Context(), inbox.ChunkRequest{
		TransferID: transferID,
		ShareID:    shareID,
		ItemID:     itemID,
		Filename:   filename,
		Size:       size,
		SHA256:     sha,
		Offset:     offset,
		Last:       last,
	}, r.Body)
	if err != nil {
		writeInboxError(w, err)
		return
	}
	metrics.RecordChunk(int(result.ReceivedSize - offset))
	writeJSONOK(w, result)
}

// Commit verifies and moves a fully received item into the inbox.
func (h *InboxHandler) Commit(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	shareID, ok := h.verifyTicket(w, r, transferID)
	if !ok {
		return
	}
	itemID := r.URL.Query().Get("item_id")
	if itemID == "" {
		badRequest(w, "Missing item_id")
		return
	}
	result, err := h.service.Commit(r.Context(), transferID, shareID, itemID)
	if err != nil {
		writeInboxError(w, err)
		return
	}
	writeJSONOK(w, result)
}

type finalizeRequest struct {
	ItemID           string `json:"item_id" validate:"required"`
	DestinationPath  string `json:"destination_path" validate:"max=400"`
	KeepOriginalName *bool  `json:"keep_original_name"`
}

// Finalize moves a committed item out of the inbox into the share.
func (h *InboxHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferID")
	shareID, ok := h.verifyTicket(w, r, transferID)
	if !ok {
		return
	}

	var body finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	if err := validate.Struct(&body); err != nil {
		badRequest(w, err.Error())
		return
	}
	keepOriginal := body.KeepOriginalName == nil || *body.KeepOriginalName

	result, err := h.service.Finalize(r.Context(), transferID, shareID,
		body.ItemID, body.DestinationPath, keepOriginal)
	if err != nil {
		writeInboxError(w, err)
		return
	}
	writeJSONOK(w, result)
}
