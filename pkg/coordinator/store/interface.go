package store

import (
	"context"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
)

// PrincipalStore manages principals, client devices, and pairing sessions.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, principal *models.Principal) error
	GetPrincipal(ctx context.Context, id string) (*models.Principal, error)
	CountPrincipals(ctx context.Context) (int64, error)
	ListActivePrincipals(ctx context.Context) ([]models.Principal, error)

	CreateClientDevice(ctx context.Context, device *models.ClientDevice) error
	GetClientDevice(ctx context.Context, id string) (*models.ClientDevice, error)
	SaveClientDevice(ctx context.Context, device *models.ClientDevice) error

	CreatePairingSession(ctx context.Context, session *models.PairingSession) error
	GetPairingSession(ctx context.Context, id string) (*models.PairingSession, error)
	SavePairingSession(ctx context.Context, session *models.PairingSession) error
}

// DeviceStore manages agent devices and their shares.
type DeviceStore interface {
	CreateAgentDevice(ctx context.Context, device *models.AgentDevice) error
	GetAgentDevice(ctx context.Context, id string) (*models.AgentDevice, error)
	SaveAgentDevice(ctx context.Context, device *models.AgentDevice) error
	ListAgentDevices(ctx context.Context) ([]models.AgentDevice, error)
	ListOwnedDeviceIDs(ctx context.Context, principalID string) ([]string, error)

	CreateShare(ctx context.Context, share *models.Share) error
	GetShare(ctx context.Context, id string) (*models.Share, error)
	SaveShare(ctx context.Context, share *models.Share) error
	ListShares(ctx context.Context) ([]models.Share, error)
	ListSharesForDevice(ctx context.Context, deviceID string) ([]models.Share, error)
}

// GrantStore manages ACL grants.
type GrantStore interface {
	GetGrant(ctx context.Context, principalID, shareID string) (*models.AclGrant, error)
	ListGrantsForPrincipal(ctx context.Context, principalID string, shareIDs []string) ([]models.AclGrant, error)
	ListGrantPrincipalIDs(ctx context.Context, shareID string) ([]string, error)
	ListGrantShareIDs(ctx context.Context, principalID string) ([]string, error)
	CreateGrant(ctx context.Context, grant *models.AclGrant) error
	SaveGrant(ctx context.Context, grant *models.AclGrant) error
}

// TransferStore manages transfers, items, and passcode windows.
type TransferStore interface {
	CreateTransfer(ctx context.Context, transfer *models.TransferRequest, items []models.TransferItem) error
	GetTransfer(ctx context.Context, id string) (*models.TransferRequest, error)
	SaveTransfer(ctx context.Context, transfer *models.TransferRequest) error
	SaveTransferItem(ctx context.Context, item *models.TransferItem) error
	ListTransfers(ctx context.Context, q TransferListQuery) ([]models.TransferRequest, error)
	DeleteTransfers(ctx context.Context, ids []string) error

	GetPasscodeWindow(ctx context.Context, transferID string) (*models.PasscodeWindow, error)
	CreatePasscodeWindow(ctx context.Context, window *models.PasscodeWindow) error
	SavePasscodeWindow(ctx context.Context, window *models.PasscodeWindow) error
}

// AuditStore appends audit events.
type AuditStore interface {
	WriteAudit(ctx context.Context, event *models.AuditEvent) error
}

// Store is the full coordinator persistence interface.
type Store interface {
	PrincipalStore
	DeviceStore
	GrantStore
	TransferStore
	AuditStore
}

var _ Store = (*GORMStore)(nil)
