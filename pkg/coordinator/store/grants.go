package store

import (
	"context"
	"fmt"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
)

// GetGrant retrieves the unique grant for (principal, share).
func (s *GORMStore) GetGrant(ctx context.Context, principalID, shareID string) (*models.AclGrant, error) {
	var grant models.AclGrant
	if err := s.db.WithContext(ctx).
		First(&grant, "principal_id = ? AND share_id = ?", principalID, shareID).Error; err != nil {
		return nil, convertNotFoundError(err, models.ErrGrantNotFound)
	}
	return &grant, nil
}

// ListGrantsForPrincipal returns the principal's grants on the given
// shares in one query.
func (s *GORMStore) ListGrantsForPrincipal(ctx context.Context, principalID string, shareIDs []string) ([]models.AclGrant, error) {
	if len(shareIDs) == 0 {
		return nil, nil
	}
	var grants []models.AclGrant
	if err := s.db.WithContext(ctx).
		Where("principal_id = ? AND share_id IN ?", principalID, shareIDs).
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return grants, nil
}

// ListGrantPrincipalIDs returns the principals that already hold a grant
// on a share.
func (s *GORMStore) ListGrantPrincipalIDs(ctx context.Context, shareID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.AclGrant{}).
		Where("share_id = ?", shareID).
		Pluck("principal_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list grant principals: %w", err)
	}
	return ids, nil
}

// ListGrantShareIDs returns the shares a principal already holds a grant
// on.
func (s *GORMStore) ListGrantShareIDs(ctx context.Context, principalID string) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.AclGrant{}).
		Where("principal_id = ?", principalID).
		Pluck("share_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list grant shares: %w", err)
	}
	return ids, nil
}

// CreateGrant inserts a grant. A concurrent insert for the same
// (principal, share) pair surfaces models.ErrDuplicateKey.
func (s *GORMStore) CreateGrant(ctx context.Context, grant *models.AclGrant) error {
	if grant.ID == "" {
		grant.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(grant).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateKey
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// SaveGrant persists changes to a grant.
func (s *GORMStore) SaveGrant(ctx context.Context, grant *models.AclGrant) error {
	if err := s.db.WithContext(ctx).Save(grant).Error; err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}
