// Package models defines the agent's persistent entities.
package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh UUID string for primary keys.
func NewID() string {
	return uuid.NewString()
}

// AllModels returns all models for auto-migration.
func AllModels() []any {
	return []any{
		&LocalShare{},
		&InboxTransferItem{},
	}
}

// Sentinel errors surfaced by the agent store.
var (
	ErrShareNotFound = errors.New("share not found")
	ErrItemNotFound  = errors.New("transfer item not found")
)

// Inbox item states. They mirror the coordinator's item state machine; the
// agent reports every change back so both sides stay in step.
const (
	ItemPending   = "pending"
	ItemReceiving = "receiving"
	ItemStaged    = "staged"
	ItemCommitted = "committed"
	ItemFinalized = "finalized"
	ItemPaused    = "paused"
)

// LocalShare is a directory tree this agent exports.
type LocalShare struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"not null;size:120" json:"name"`
	RootPath  string    `gorm:"not null;size:500" json:"root_path"`
	ReadOnly  bool      `gorm:"default:false;not null" json:"read_only"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for LocalShare.
func (LocalShare) TableName() string {
	return "local_shares"
}

// InboxTransferItem tracks one incoming file through the chunk, commit,
// and finalize stages. The primary key is "<transfer_id>:<item_id>" so a
// retried upload resumes the same row.
type InboxTransferItem struct {
	ID             string    `gorm:"primaryKey;size:80" json:"id"`
	TransferID     string    `gorm:"not null;size:36;index" json:"transfer_id"`
	ItemID         string    `gorm:"not null;size:36;index" json:"item_id"`
	ShareID        string    `gorm:"not null;size:36" json:"share_id"`
	Filename       string    `gorm:"not null;size:255" json:"filename"`
	ExpectedSize   int64     `gorm:"not null" json:"expected_size"`
	ExpectedSHA256 string    `gorm:"not null;size:64" json:"expected_sha256"`
	ReceivedSize   int64     `gorm:"default:0;not null" json:"received_size"`
	PartPath       string    `gorm:"not null;size:500" json:"part_path"`
	InboxPath      *string   `gorm:"size:500" json:"inbox_path,omitempty"`
	State          string    `gorm:"default:pending;not null;size:30" json:"state"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for InboxTransferItem.
func (InboxTransferItem) TableName() string {
	return "inbox_transfer_items"
}

// ItemKey builds the composite primary key for an inbox item.
func ItemKey(transferID, itemID string) string {
	return transferID + ":" + itemID
}
