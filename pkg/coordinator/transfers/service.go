// Package transfers drives the transfer state machine: request, approval,
// passcode gating, item progress, and history maintenance.
package transfers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xHecker/omni-stream/internal/logger"
	"github.com/0xHecker/omni-stream/pkg/coordinator/acl"
	"github.com/0xHecker/omni-stream/pkg/coordinator/events"
	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/passcode"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/token"
)

// Operation failures the API maps onto status codes.
var (
	ErrNotAccessible     = errors.New("transfer not accessible")
	ErrSenderOnly        = errors.New("only sender can open passcode window")
	ErrReceiverOwnerOnly = errors.New("only receiver owner can reject")
	ErrNotPending        = errors.New("transfer is not pending approval")
	ErrNotReady          = errors.New("transfer is not ready for passcode entry")
	ErrBadItemState      = errors.New("unknown item state")
)

const (
	transferLifetime = 24 * time.Hour
	listLimit        = 200
)

// Actor identifies the authenticated caller for audit and visibility.
type Actor struct {
	PrincipalID    string
	ClientDeviceID string
	IP             string
	UserAgent      string
}

// NewItem describes one file in a transfer request.
type NewItem struct {
	Filename string
	Size     int64
	SHA256   string
	MimeType *string
}

// OpenResult is returned when the sender opens the passcode window.
type OpenResult struct {
	Transfer      *models.TransferRequest `json:"transfer"`
	UploadTicket  string                  `json:"upload_ticket"`
	UploadBaseURL string                  `json:"upload_base_url"`
	ExpiresAt     *time.Time              `json:"expires_at"`
}

// Manifest is the item description handed to the receiving agent.
type Manifest struct {
	TransferID      string  `json:"transfer_id"`
	ReceiverShareID string  `json:"receiver_share_id"`
	ItemID          string  `json:"item_id"`
	Filename        string  `json:"filename"`
	Size            int64   `json:"size"`
	SHA256          string  `json:"sha256"`
	MimeType        *string `json:"mime_type,omitempty"`
	State           string  `json:"state"`
}

// Service orchestrates transfers across the store, ACL engine, passcode
// windows, and the event broker.
type Service struct {
	store  store.Store
	acl    *acl.Service
	codes  *passcode.Service
	broker *events.Broker
	issuer *token.Issuer
}

// NewService wires a transfer service.
func NewService(s store.Store, aclSvc *acl.Service, codes *passcode.Service, broker *events.Broker, issuer *token.Issuer) *Service {
	return &Service{store: s, acl: aclSvc, codes: codes, broker: broker, issuer: issuer}
}

func (s *Service) audit(ctx context.Context, actor Actor, action, resourceID string, metadata map[string]any) {
	event := &models.AuditEvent{
		Action:       action,
		ResourceType: "transfer",
		ResourceID:   resourceID,
	}
	if actor.PrincipalID != "" {
		principalID := actor.PrincipalID
		event.ActorPrincipalID = &principalID
	}
	if actor.IP != "" {
		ip := actor.IP
		event.IP = &ip
	}
	if actor.UserAgent != "" {
		ua := actor.UserAgent
		event.UserAgent = &ua
	}
	if metadata != nil {
		if raw, err := json.Marshal(metadata); err == nil {
			encoded := string(raw)
			event.MetadataJSON = &encoded
		}
	}
	if err := s.store.WriteAudit(ctx, event); err != nil {
		logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// expireIfStale applies the lazy 24-hour expiry on read. Items are left
// untouched; only the transfer state flips.
func (s *Service) expireIfStale(ctx context.Context, transfer *models.TransferRequest) error {
	if transfer.IsTerminal() || transfer.ExpiresAt.After(time.Now().UTC()) {
		return nil
	}
	transfer.State = models.TransferExpired
	return s.store.SaveTransfer(ctx, transfer)
}

func (s *Service) receiverOwner(ctx context.Context, transfer *models.TransferRequest) (string, error) {
	device, err := s.store.GetAgentDevice(ctx, transfer.ReceiverDeviceID)
	if err != nil {
		return "", err
	}
	return device.OwnerPrincipalID, nil
}

// loadVisible fetches a transfer the caller is a party to: the sender or
// the owner of the receiving device.
func (s *Service) loadVisible(ctx context.Context, actor Actor, transferID string) (*models.TransferRequest, string, error) {
	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, "", err
	}
	receiverOwner, err := s.receiverOwner(ctx, transfer)
	if err != nil {
		return nil, "", err
	}
	if actor.PrincipalID != transfer.SenderPrincipalID && actor.PrincipalID != receiverOwner {
		return nil, "", ErrNotAccessible
	}
	if err := s.expireIfStale(ctx, transfer); err != nil {
		return nil, "", err
	}
	return transfer, receiverOwner, nil
}

// Create records a transfer request and notifies the receiver owner.
func (s *Service) Create(ctx context.Context, actor Actor, receiverDeviceID, receiverShareID string, newItems []NewItem) (*models.TransferRequest, error) {
	device, err := s.store.GetAgentDevice(ctx, receiverDeviceID)
	if err != nil {
		return nil, err
	}
	if !device.Visibility && device.OwnerPrincipalID != actor.PrincipalID {
		return nil, models.ErrDeviceNotFound
	}

	share, err := s.store.GetShare(ctx, receiverShareID)
	if err != nil {
		return nil, err
	}
	if share.AgentDeviceID != device.ID {
		return nil, models.ErrShareNotFound
	}

	if _, err := s.acl.RequirePermission(ctx, actor.PrincipalID, share, acl.PermRequestSend); err != nil {
		return nil, err
	}

	transfer := &models.TransferRequest{
		SenderPrincipalID:    actor.PrincipalID,
		SenderClientDeviceID: actor.ClientDeviceID,
		ReceiverDeviceID:     device.ID,
		ReceiverShareID:      share.ID,
		State:                models.TransferPendingReceiverApproval,
		ExpiresAt:            time.Now().UTC().Add(transferLifetime),
	}
	items := make([]models.TransferItem, 0, len(newItems))
	for _, item := range newItems {
		items = append(items, models.TransferItem{
			Filename: item.Filename,
			Size:     item.Size,
			SHA256:   strings.ToLower(item.SHA256),
			MimeType: item.MimeType,
			State:    models.ItemPending,
		})
	}
	if err := s.store.CreateTransfer(ctx, transfer, items); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "transfer_created", transfer.ID, map[string]any{
		"item_count":         len(items),
		"receiver_device_id": device.ID,
	})
	s.broker.Publish(device.OwnerPrincipalID, map[string]any{
		"type":     "transfer_requested",
		"transfer": transfer,
	})
	return transfer, nil
}

// List returns the caller's transfers, newest first. role is "all",
// "incoming", or "outgoing"; incoming means the receiving device is owned
// by the caller. Stale transfers flip to expired on the way out.
func (s *Service) List(ctx context.Context, actor Actor, role string) ([]models.TransferRequest, error) {
	owned, err := s.store.ListOwnedDeviceIDs(ctx, actor.PrincipalID)
	if err != nil {
		return nil, err
	}
	transfers, err := s.store.ListTransfers(ctx, store.TransferListQuery{
		Role:           role,
		PrincipalID:    actor.PrincipalID,
		OwnedDeviceIDs: owned,
		Limit:          listLimit,
	})
	if err != nil {
		return nil, err
	}
	for i := range transfers {
		if err := s.expireIfStale(ctx, &transfers[i]); err != nil {
			return nil, err
		}
	}
	return transfers, nil
}

// Get returns one transfer the caller is a party to.
func (s *Service) Get(ctx context.Context, actor Actor, transferID string) (*models.TransferRequest, error) {
	transfer, _, err := s.loadVisible(ctx, actor, transferID)
	return transfer, err
}

// Approve accepts an incoming transfer: the receiver owner (or a principal
// holding accept_incoming on the share) sets the 4-digit passcode, and
// optional receiver preferences are recorded on the transfer.
func (s *Service) Approve(ctx context.Context, actor Actor, transferID, code string, prefs map[string]any) (*models.TransferRequest, error) {
	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	share, err := s.store.GetShare(ctx, transfer.ReceiverShareID)
	if err != nil {
		return nil, err
	}
	receiverOwner, err := s.receiverOwner(ctx, transfer)
	if err != nil {
		return nil, err
	}
	if actor.PrincipalID != receiverOwner {
		if _, err := s.acl.RequirePermission(ctx, actor.PrincipalID, share, acl.PermAcceptIncoming); err != nil {
			return nil, err
		}
	}
	if transfer.State != models.TransferPendingReceiverApproval {
		return nil, ErrNotPending
	}

	if err := s.codes.Set(ctx, transfer, code); err != nil {
		return nil, err
	}
	transfer.State = models.TransferApprovedPendingPasscode
	if len(prefs) > 0 {
		raw, err := json.Marshal(prefs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode receiver preferences: %w", err)
		}
		encoded := string(raw)
		transfer.Reason = &encoded
	}
	if err := s.store.SaveTransfer(ctx, transfer); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "transfer_approved", transfer.ID, nil)
	s.broker.Publish(transfer.SenderPrincipalID, map[string]any{
		"type":     "transfer_approved",
		"transfer": transfer,
	})
	return transfer, nil
}

// Reject declines an incoming transfer. Only the receiver owner may
// reject; every item flips to rejected.
func (s *Service) Reject(ctx context.Context, actor Actor, transferID string, reason *string) (*models.TransferRequest, error) {
	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	receiverOwner, err := s.receiverOwner(ctx, transfer)
	if err != nil {
		return nil, err
	}
	if actor.PrincipalID != receiverOwner {
		return nil, ErrReceiverOwnerOnly
	}
	if transfer.State != models.TransferPendingReceiverApproval {
		return nil, ErrNotPending
	}

	transfer.State = models.TransferRejected
	transfer.Reason = reason
	if err := s.store.SaveTransfer(ctx, transfer); err != nil {
		return nil, err
	}
	for i := range transfer.Items {
		transfer.Items[i].State = models.ItemRejected
		if err := s.store.SaveTransferItem(ctx, &transfer.Items[i]); err != nil {
			return nil, err
		}
	}

	meta := map[string]any{"reason": ""}
	if reason != nil {
		meta["reason"] = *reason
	}
	s.audit(ctx, actor, "transfer_rejected", transfer.ID, meta)
	s.broker.Publish(transfer.SenderPrincipalID, map[string]any{
		"type":     "transfer_rejected",
		"transfer": transfer,
	})
	return transfer, nil
}

// OpenPasscode verifies the sender-typed passcode and, on success, mints
// the upload ticket pointing at the receiving agent's inbox.
func (s *Service) OpenPasscode(ctx context.Context, actor Actor, transferID, code string) (*OpenResult, error) {
	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.SenderPrincipalID != actor.PrincipalID {
		return nil, ErrSenderOnly
	}
	if transfer.State != models.TransferApprovedPendingPasscode && transfer.State != models.TransferPasscodeOpen {
		return nil, ErrNotReady
	}

	if err := s.codes.Verify(ctx, transfer, actor.PrincipalID, code); err != nil {
		return nil, err
	}

	receiver, err := s.store.GetAgentDevice(ctx, transfer.ReceiverDeviceID)
	if err != nil {
		return nil, err
	}

	transfer.State = models.TransferPasscodeOpen
	if err := s.store.SaveTransfer(ctx, transfer); err != nil {
		return nil, err
	}

	ticket, err := s.issuer.TransferTicket(actor.PrincipalID, transfer.ID, receiver.ID, transfer.ReceiverShareID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "transfer_passcode_opened", transfer.ID, nil)
	s.broker.Publish(receiver.OwnerPrincipalID, map[string]any{
		"type":     "transfer_passcode_opened",
		"transfer": transfer,
	})

	result := &OpenResult{
		Transfer:      transfer,
		UploadTicket:  ticket,
		UploadBaseURL: strings.TrimRight(receiver.BaseURL, "/") + "/agent/v1/inbox/transfers/" + transfer.ID,
	}
	if transfer.PasscodeWindow != nil {
		expiresAt := transfer.PasscodeWindow.ExpiresAt
		result.ExpiresAt = &expiresAt
	}
	return result, nil
}

// ClearHistory deletes the caller's terminal transfers and returns how
// many were removed.
func (s *Service) ClearHistory(ctx context.Context, actor Actor) (int, error) {
	transfers, err := s.List(ctx, actor, "all")
	if err != nil {
		return 0, err
	}
	var ids []string
	for i := range transfers {
		if transfers[i].IsTerminal() {
			ids = append(ids, transfers[i].ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.store.DeleteTransfers(ctx, ids); err != nil {
		return 0, err
	}
	s.audit(ctx, actor, "transfer_history_cleared", actor.PrincipalID, map[string]any{"count": len(ids)})
	return len(ids), nil
}

var terminalItemStates = map[string]struct{}{
	models.ItemFinalized: {},
	models.ItemCompleted: {},
	models.ItemRejected:  {},
	models.ItemFailed:    {},
	models.ItemCancelled: {},
}

// CancelPending cancels every non-terminal transfer the caller is a party
// to, cascades to in-flight items, and notifies both sides.
func (s *Service) CancelPending(ctx context.Context, actor Actor) (int, error) {
	transfers, err := s.List(ctx, actor, "all")
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for i := range transfers {
		transfer := &transfers[i]
		if transfer.IsTerminal() {
			continue
		}
		transfer.State = models.TransferCancelled
		if err := s.store.SaveTransfer(ctx, transfer); err != nil {
			return cancelled, err
		}
		for j := range transfer.Items {
			item := &transfer.Items[j]
			if _, terminal := terminalItemStates[item.State]; terminal {
				continue
			}
			item.State = models.ItemCancelled
			if err := s.store.SaveTransferItem(ctx, item); err != nil {
				return cancelled, err
			}
		}
		cancelled++

		event := map[string]any{"type": "transfer_cancelled", "transfer": transfer}
		s.broker.Publish(transfer.SenderPrincipalID, event)
		if receiverOwner, err := s.receiverOwner(ctx, transfer); err == nil && receiverOwner != transfer.SenderPrincipalID {
			s.broker.Publish(receiverOwner, event)
		}
	}
	if cancelled > 0 {
		s.audit(ctx, actor, "transfers_cancelled", actor.PrincipalID, map[string]any{"count": cancelled})
	}
	return cancelled, nil
}

// UpdateItemState applies an agent's progress report. Terminal transfers
// ignore late reports, which makes agent retries idempotent. The derived
// transfer state follows the items: all finalized or completed means
// completed; anything actively moving means in_progress.
func (s *Service) UpdateItemState(ctx context.Context, transferID, itemID, state string) (*models.TransferRequest, error) {
	if !models.IsValidItemState(state) {
		return nil, ErrBadItemState
	}

	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.IsTerminal() {
		return transfer, nil
	}

	item := findItem(transfer, itemID)
	if item == nil {
		return nil, models.ErrTransferNotFound
	}
	item.State = state
	if err := s.store.SaveTransferItem(ctx, item); err != nil {
		return nil, err
	}

	allDone := len(transfer.Items) > 0
	anyMoving := false
	for i := range transfer.Items {
		switch transfer.Items[i].State {
		case models.ItemFinalized, models.ItemCompleted:
		default:
			allDone = false
		}
		switch transfer.Items[i].State {
		case models.ItemReceiving, models.ItemStaged, models.ItemCommitted:
			anyMoving = true
		}
	}
	if allDone {
		transfer.State = models.TransferCompleted
	} else if anyMoving {
		transfer.State = models.TransferInProgress
	}
	if err := s.store.SaveTransfer(ctx, transfer); err != nil {
		return nil, err
	}

	event := map[string]any{"type": "transfer_item_state", "transfer": transfer}
	s.broker.Publish(transfer.SenderPrincipalID, event)
	if receiverOwner, err := s.receiverOwner(ctx, transfer); err == nil && receiverOwner != transfer.SenderPrincipalID {
		s.broker.Publish(receiverOwner, event)
	}
	return transfer, nil
}

// ItemManifest returns the item description for the receiving agent.
// agentDeviceID must be the transfer's receiving device.
func (s *Service) ItemManifest(ctx context.Context, transferID, itemID, agentDeviceID string) (*Manifest, error) {
	transfer, err := s.store.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.ReceiverDeviceID != agentDeviceID {
		return nil, ErrNotAccessible
	}
	item := findItem(transfer, itemID)
	if item == nil {
		return nil, models.ErrTransferNotFound
	}
	return &Manifest{
		TransferID:      transfer.ID,
		ReceiverShareID: transfer.ReceiverShareID,
		ItemID:          item.ID,
		Filename:        item.Filename,
		Size:            item.Size,
		SHA256:          item.SHA256,
		MimeType:        item.MimeType,
		State:           item.State,
	}, nil
}

func findItem(transfer *models.TransferRequest, itemID string) *models.TransferItem {
	for i := range transfer.Items {
		if transfer.Items[i].ID == itemID {
			return &transfer.Items[i]
		}
	}
	return nil
}
