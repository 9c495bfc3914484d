package store

import (
	"context"
	"fmt"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
)

// CreateAgentDevice inserts a new agent device.
func (s *GORMStore) CreateAgentDevice(ctx context.Context, device *models.AgentDevice) error {
	if device.ID == "" {
		device.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create agent device: %w", err)
	}
	return nil
}

// GetAgentDevice retrieves an agent device by ID.
func (s *GORMStore) GetAgentDevice(ctx context.Context, id string) (*models.AgentDevice, error) {
	var device models.AgentDevice
	if err := s.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrDeviceNotFound)
	}
	return &device, nil
}

// SaveAgentDevice persists changes to an agent device.
func (s *GORMStore) SaveAgentDevice(ctx context.Context, device *models.AgentDevice) error {
	if err := s.db.WithContext(ctx).Save(device).Error; err != nil {
		return fmt.Errorf("failed to save agent device: %w", err)
	}
	return nil
}

// ListAgentDevices returns all agent devices.
func (s *GORMStore) ListAgentDevices(ctx context.Context) ([]models.AgentDevice, error) {
	var devices []models.AgentDevice
	if err := s.db.WithContext(ctx).Order("created_at").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("failed to list agent devices: %w", err)
	}
	return devices, nil
}

// ListOwnedDeviceIDs returns the IDs of agent devices owned by a principal.
func (s *GORMStore) ListOwnedDeviceIDs(ctx context.Context, principalID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.AgentDevice{}).
		Where("owner_principal_id = ?", principalID).
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list owned devices: %w", err)
	}
	return ids, nil
}

// CreateShare inserts a new share.
func (s *GORMStore) CreateShare(ctx context.Context, share *models.Share) error {
	if share.ID == "" {
		share.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(share).Error; err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// GetShare retrieves a share by ID.
func (s *GORMStore) GetShare(ctx context.Context, id string) (*models.Share, error) {
	var share models.Share
	if err := s.db.WithContext(ctx).First(&share, "id = ?", id).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrShareNotFound)
	}
	return &share, nil
}

// SaveShare persists changes to a share.
func (s *GORMStore) SaveShare(ctx context.Context, share *models.Share) error {
	if err := s.db.WithContext(ctx).Save(share).Error; err != nil {
		return fmt.Errorf("failed to save share: %w", err)
	}
	return nil
}

// ListShares returns all shares with their devices preloaded.
func (s *GORMStore) ListShares(ctx context.Context) ([]models.Share, error) {
	var shares []models.Share
	if err := s.db.WithContext(ctx).
		Preload("AgentDevice").
		Order("created_at").
		Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return shares, nil
}

// ListSharesForDevice returns the shares exported by one agent device.
func (s *GORMStore) ListSharesForDevice(ctx context.Context, deviceID string) ([]models.Share, error) {
	var shares []models.Share
	if err := s.db.WithContext(ctx).
		Where("agent_device_id = ?", deviceID).
		Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("failed to list shares for device: %w", err)
	}
	return shares, nil
}
