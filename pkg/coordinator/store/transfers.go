package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
)

// TransferListQuery selects transfers visible to one principal.
type TransferListQuery struct {
	// Role is "all", "incoming", or "outgoing".
	Role string
	// PrincipalID is the caller.
	PrincipalID string
	// OwnedDeviceIDs are the caller's agent devices (incoming side).
	OwnedDeviceIDs []string
	// Limit caps the result count; zero means no cap.
	Limit int
}

// CreateTransfer inserts a transfer and its items in one transaction.
func (s *GORMStore) CreateTransfer(ctx context.Context, transfer *models.TransferRequest, items []models.TransferItem) error {
	if transfer.ID == "" {
		transfer.ID = models.NewID()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(transfer).Error; err != nil {
			return fmt.Errorf("failed to create transfer: %w", err)
		}
		for i := range items {
			items[i].TransferRequestID = transfer.ID
			if items[i].ID == "" {
				items[i].ID = models.NewID()
			}
			if err := tx.Create(&items[i]).Error; err != nil {
				return fmt.Errorf("failed to create transfer item: %w", err)
			}
		}
		transfer.Items = items
		return nil
	})
}

// GetTransfer retrieves a transfer with its items and passcode window.
func (s *GORMStore) GetTransfer(ctx context.Context, id string) (*models.TransferRequest, error) {
	var transfer models.TransferRequest
	if err := s.db.WithContext(ctx).
		Preload("Items").
		Preload("PasscodeWindow").
		First(&transfer, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrTransferNotFound)
	}
	return &transfer, nil
}

// SaveTransfer persists the transfer row only, not its associations.
func (s *GORMStore) SaveTransfer(ctx context.Context, transfer *models.TransferRequest) error {
	if err := s.db.WithContext(ctx).
		Omit("Items", "PasscodeWindow").
		Save(transfer).Error; err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	return nil
}

// SaveTransferItem persists changes to one item.
func (s *GORMStore) SaveTransferItem(ctx context.Context, item *models.TransferItem) error {
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("failed to save transfer item: %w", err)
	}
	return nil
}

// ListTransfers returns transfers visible to the caller, newest first,
// items and windows preloaded.
func (s *GORMStore) ListTransfers(ctx context.Context, q TransferListQuery) ([]models.TransferRequest, error) {
	db := s.db.WithContext(ctx).
		Preload("Items").
		Preload("PasscodeWindow").
		Order("created_at DESC")

	// IN () never matches, so substitute an impossible ID when the caller
	// owns no devices.
	owned := q.OwnedDeviceIDs
	if len(owned) == 0 {
		owned = []string{""}
	}

	switch q.Role {
	case "incoming":
		db = db.Where("receiver_device_id IN ?", owned)
	case "outgoing":
		db = db.Where("sender_principal_id = ?", q.PrincipalID)
	default:
		db = db.Where("sender_principal_id = ? OR receiver_device_id IN ?", q.PrincipalID, owned)
	}

	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var transfers []models.TransferRequest
	if err := db.Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

// DeleteTransfers removes the given transfers along with their items and
// passcode windows.
func (s *GORMStore) DeleteTransfers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("transfer_request_id IN ?", ids).Delete(&models.TransferItem{}).Error; err != nil {
			return fmt.Errorf("failed to delete transfer items: %w", err)
		}
		if err := tx.Where("transfer_request_id IN ?", ids).Delete(&models.PasscodeWindow{}).Error; err != nil {
			return fmt.Errorf("failed to delete passcode windows: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.TransferRequest{}).Error; err != nil {
			return fmt.Errorf("failed to delete transfers: %w", err)
		}
		return nil
	})
}

// GetPasscodeWindow retrieves the window for a transfer.
func (s *GORMStore) GetPasscodeWindow(ctx context.Context, transferID string) (*models.PasscodeWindow, error) {
	var window models.PasscodeWindow
	if err := s.db.WithContext(ctx).
		First(&window, "transfer_request_id = ?", transferID).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrTransferNotFound)
	}
	return &window, nil
}

// CreatePasscodeWindow inserts a window for a transfer.
func (s *GORMStore) CreatePasscodeWindow(ctx context.Context, window *models.PasscodeWindow) error {
	if window.ID == "" {
		window.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(window).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create passcode window: %w", err)
	}
	return nil
}

// SavePasscodeWindow persists changes to a window.
func (s *GORMStore) SavePasscodeWindow(ctx context.Context, window *models.PasscodeWindow) error {
	if err := s.db.WithContext(ctx).Save(window).Error; err != nil {
		return fmt.Errorf("failed to save passcode window: %w", err)
	}
	return nil
}
