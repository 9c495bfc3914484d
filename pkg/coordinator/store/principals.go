package store

import (
	"context"
	"fmt"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
)

// CreatePrincipal inserts a new principal.
func (s *GORMStore) CreatePrincipal(ctx context.Context, principal *models.Principal) error {
	if principal.ID == "" {
		principal.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(principal).Error; err != nil {
		return fmt.Errorf("failed to create principal: %w", err)
	}
	return nil
}

// GetPrincipal retrieves a principal by ID.
func (s *GORMStore) GetPrincipal(ctx context.Context, id string) (*models.Principal, error) {
	var principal models.Principal
	if err := s.db.WithContext(ctx).First(&principal, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrPrincipalNotFound)
	}
	return &principal, nil
}

// CountPrincipals returns the number of principals. Zero means the
// coordinator is unbootstrapped and the next pairing creates the first
// principal directly.
func (s *GORMStore) CountPrincipals(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Principal{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count principals: %w", err)
	}
	return count, nil
}

// ListActivePrincipals returns all active principals.
func (s *GORMStore) ListActivePrincipals(ctx context.Context) ([]models.Principal, error) {
	var principals []models.Principal
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.StatusActive).
		Find(&principals).Error; err != nil {
		return nil, fmt.Errorf("failed to list principals: %w", err)
	}
	return principals, nil
}

// CreateClientDevice inserts a new client device.
func (s *GORMStore) CreateClientDevice(ctx context.Context, device *models.ClientDevice) error {
	if device.ID == "" {
		device.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create client device: %w", err)
	}
	return nil
}

// GetClientDevice retrieves a client device by ID.
func (s *GORMStore) GetClientDevice(ctx context.Context, id string) (*models.ClientDevice, error) {
	var device models.ClientDevice
	if err := s.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrDeviceNotFound)
	}
	return &device, nil
}

// SaveClientDevice persists changes to a client device.
func (s *GORMStore) SaveClientDevice(ctx context.Context, device *models.ClientDevice) error {
	if err := s.db.WithContext(ctx).Save(device).Error; err != nil {
		return fmt.Errorf("failed to save client device: %w", err)
	}
	return nil
}

// CreatePairingSession inserts a new pairing session.
func (s *GORMStore) CreatePairingSession(ctx context.Context, session *models.PairingSession) error {
	if session.ID == "" {
		session.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create pairing session: %w", err)
	}
	return nil
}

// GetPairingSession retrieves a pairing session by ID.
func (s *GORMStore) GetPairingSession(ctx context.Context, id string) (*models.PairingSession, error) {
	var session models.PairingSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrPairingNotFound)
	}
	return &session, nil
}

// SavePairingSession persists changes to a pairing session.
func (s *GORMStore) SavePairingSession(ctx context.Context, session *models.PairingSession) error {
	if err := s.db.WithContext(ctx).Save(session).Error; err != nil {
		return fmt.Errorf("failed to save pairing session: %w", err)
	}
	return nil
}
