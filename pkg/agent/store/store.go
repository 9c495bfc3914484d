// Package store persists the agent's local state: exported shares and
// in-flight inbox items.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/0xHecker/omni-stream/pkg/agent/models"
)

// Store is the agent's persistence interface.
type Store interface {
	GetShare(ctx context.Context, id string) (*models.LocalShare, error)
	SaveShare(ctx context.Context, share *models.LocalShare) error
	ListShares(ctx context.Context) ([]models.LocalShare, error)

	GetItem(ctx context.Context, transferID, itemID string) (*models.InboxTransferItem, error)
	SaveItem(ctx context.Context, item *models.InboxTransferItem) error
	ListItems(ctx context.Context, transferID, shareID string) ([]models.InboxTransferItem, error)

	Close() error
}

// GORMStore implements Store on SQLite. Agent state is single-node by
// nature, so no other backend is wired.
type GORMStore struct {
	db *gorm.DB
}

var _ Store = (*GORMStore)(nil)

// New opens (and migrates) the agent state database. The URL accepts
// "sqlite://<path>", a bare path, or ":memory:" for tests.
func New(databaseURL string) (*GORMStore, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("agent state database URL must not be empty")
	}

	dsn := path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// WAL keeps reads unblocked while a chunk upload updates its row.
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open agent state database: %w", err)
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}
	return &GORMStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *GORMStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetShare retrieves a local share by ID.
func (s *GORMStore) GetShare(ctx context.Context, id string) (*models.LocalShare, error) {
	var share models.LocalShare
	if err := s.db.WithContext(ctx).First(&share, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrShareNotFound
		}
		return nil, err
	}
	return &share, nil
}

// SaveShare inserts or updates a local share.
func (s *GORMStore) SaveShare(ctx context.Context, share *models.LocalShare) error {
	if share.ID == "" {
		share.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Save(share).Error; err != nil {
		return fmt.Errorf("failed to save share: %w", err)
	}
	return nil
}

// ListShares returns all local shares.
func (s *GORMStore) ListShares(ctx context.Context) ([]models.LocalShare, error) {
	var shares []models.LocalShare
	if err := s.db.WithContext(ctx).Order("created_at").Find(&shares).Error; err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return shares, nil
}

// GetItem retrieves an inbox item by its transfer and item IDs.
func (s *GORMStore) GetItem(ctx context.Context, transferID, itemID string) (*models.InboxTransferItem, error) {
	var item models.InboxTransferItem
	if err := s.db.WithContext(ctx).First(&item, "id = ?", models.ItemKey(transferID, itemID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// SaveItem inserts or updates an inbox item.
func (s *GORMStore) SaveItem(ctx context.Context, item *models.InboxTransferItem) error {
	if item.ID == "" {
		item.ID = models.ItemKey(item.TransferID, item.ItemID)
	}
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("failed to save inbox item: %w", err)
	}
	return nil
}

// ListItems returns the inbox items for one transfer on one share.
func (s *GORMStore) ListItems(ctx context.Context, transferID, shareID string) ([]models.InboxTransferItem, error) {
	var items []models.InboxTransferItem
	if err := s.db.WithContext(ctx).
		Where("transfer_id = ? AND share_id = ?", transferID, shareID).
		Order("created_at").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list inbox items: %w", err)
	}
	return items, nil
}
