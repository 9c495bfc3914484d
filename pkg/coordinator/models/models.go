// Package models defines the coordinator's persistent entities.
package models

import (
	"errors"

	"github.com/google/uuid"
)

// NewID returns a fresh UUID string for primary keys.
func NewID() string {
	return uuid.NewString()
}

// AllModels returns all models for auto-migration.
// Order matters for foreign key constraints.
func AllModels() []any {
	return []any{
		&Principal{},
		&ClientDevice{},
		&PairingSession{},
		&AgentDevice{},
		&Share{},
		&AclGrant{},
		&TransferRequest{},
		&TransferItem{},
		&PasscodeWindow{},
		&AuditEvent{},
	}
}

// Sentinel errors surfaced by the store and services.
var (
	ErrPrincipalNotFound = errors.New("principal not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrShareNotFound     = errors.New("share not found")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrPairingNotFound   = errors.New("pairing session not found")
	ErrGrantNotFound     = errors.New("acl grant not found")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrPermissionDenied  = errors.New("permission denied")
)
