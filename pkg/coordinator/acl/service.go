package acl

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
)

// aclStore is the slice of the store the ACL engine needs.
type aclStore interface {
	store.GrantStore
	GetAgentDevice(ctx context.Context, id string) (*models.AgentDevice, error)
	ListActivePrincipals(ctx context.Context) ([]models.Principal, error)
	ListShares(ctx context.Context) ([]models.Share, error)
}

// Service resolves permissions against the store.
type Service struct {
	store aclStore
}

// NewService creates an ACL service.
func NewService(s aclStore) *Service {
	return &Service{store: s}
}

// PermissionsForShare resolves the caller's permissions on one share.
// ownerPrincipalID may be passed when the caller already loaded the
// device; empty means look it up.
func (s *Service) PermissionsForShare(ctx context.Context, principalID string, share *models.Share, ownerPrincipalID string) (Set, error) {
	owner := ownerPrincipalID
	if owner == "" {
		device, err := s.store.GetAgentDevice(ctx, share.AgentDeviceID)
		if err != nil {
			if errors.Is(err, models.ErrDeviceNotFound) {
				return Set{}, nil
			}
			return nil, err
		}
		owner = device.OwnerPrincipalID
	}

	if owner == principalID {
		return OwnerSet(), nil
	}

	grant, err := s.store.GetGrant(ctx, principalID, share.ID)
	if err != nil {
		if errors.Is(err, models.ErrGrantNotFound) {
			return Set{}, nil
		}
		return nil, err
	}
	return Decode(grant.PermissionsRaw), nil
}

// PermissionsForShares resolves permissions for many shares in one grant
// lookup. ownerByShare maps share ID to the owning principal; shares
// missing from the map resolve as non-owned.
func (s *Service) PermissionsForShares(ctx context.Context, principalID string, shares []models.Share, ownerByShare map[string]string) (map[string]Set, error) {
	if len(shares) == 0 {
		return map[string]Set{}, nil
	}

	shareIDs := make([]string, 0, len(shares))
	for _, share := range shares {
		shareIDs = append(shareIDs, share.ID)
	}

	grants, err := s.store.ListGrantsForPrincipal(ctx, principalID, shareIDs)
	if err != nil {
		return nil, err
	}
	grantByShare := make(map[string]Set, len(grants))
	for _, grant := range grants {
		grantByShare[grant.ShareID] = Decode(grant.PermissionsRaw)
	}

	result := make(map[string]Set, len(shares))
	for _, share := range shares {
		if ownerByShare[share.ID] == principalID {
			result[share.ID] = OwnerSet()
		} else if set, ok := grantByShare[share.ID]; ok {
			result[share.ID] = set
		} else {
			result[share.ID] = Set{}
		}
	}
	return result, nil
}

// RequirePermission resolves permissions and fails with
// models.ErrPermissionDenied when the required one is absent.
func (s *Service) RequirePermission(ctx context.Context, principalID string, share *models.Share, permission string) (Set, error) {
	permissions, err := s.PermissionsForShare(ctx, principalID, share, "")
	if err != nil {
		return nil, err
	}
	if !permissions.Has(permission) {
		return nil, models.ErrPermissionDenied
	}
	return permissions, nil
}

// Grant sets (or overwrites) a principal's permissions on a share.
func (s *Service) Grant(ctx context.Context, principalID, shareID string, permissions Set) error {
	grant, err := s.store.GetGrant(ctx, principalID, shareID)
	if err != nil {
		if !errors.Is(err, models.ErrGrantNotFound) {
			return err
		}
		err = s.store.CreateGrant(ctx, &models.AclGrant{
			PrincipalID:    principalID,
			ShareID:        shareID,
			PermissionsRaw: Encode(permissions),
		})
		// A concurrent writer won the insert; its value stands.
		if errors.Is(err, models.ErrDuplicateKey) {
			return nil
		}
		return err
	}

	grant.PermissionsRaw = Encode(permissions)
	return s.store.SaveGrant(ctx, grant)
}

// EnsureDefaultGrantsForShare gives every active non-owner principal the
// default external grant on a newly registered share.
func (s *Service) EnsureDefaultGrantsForShare(ctx context.Context, share *models.Share, ownerPrincipalID string) error {
	principals, err := s.store.ListActivePrincipals(ctx)
	if err != nil {
		return err
	}
	existing, err := s.store.ListGrantPrincipalIDs(ctx, share.ID)
	if err != nil {
		return err
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}

	for _, principal := range principals {
		if principal.ID == ownerPrincipalID {
			continue
		}
		if _, ok := existingSet[principal.ID]; ok {
			continue
		}
		err := s.store.CreateGrant(ctx, &models.AclGrant{
			PrincipalID:    principal.ID,
			ShareID:        share.ID,
			PermissionsRaw: Encode(DefaultExternalSet()),
		})
		if err != nil && !errors.Is(err, models.ErrDuplicateKey) {
			return fmt.Errorf("failed to materialize default grant: %w", err)
		}
	}
	return nil
}

// EnsureDefaultGrantsForPrincipal gives a new principal the default
// external grant on every share it does not own.
func (s *Service) EnsureDefaultGrantsForPrincipal(ctx context.Context, principalID string) error {
	shares, err := s.store.ListShares(ctx)
	if err != nil {
		return err
	}
	existing, err := s.store.ListGrantShareIDs(ctx, principalID)
	if err != nil {
		return err
	}
	existingSet := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		existingSet[id] = struct{}{}
	}

	for _, share := range shares {
		if share.AgentDevice.OwnerPrincipalID == principalID {
			continue
		}
		if _, ok := existingSet[share.ID]; ok {
			continue
		}
		err := s.store.CreateGrant(ctx, &models.AclGrant{
			PrincipalID:    principalID,
			ShareID:        share.ID,
			PermissionsRaw: Encode(DefaultExternalSet()),
		})
		if err != nil && !errors.Is(err, models.ErrDuplicateKey) {
			return fmt.Errorf("failed to materialize default grant: %w", err)
		}
	}
	return nil
}
