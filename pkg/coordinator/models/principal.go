package models

import "time"

// Entity status values.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

// Principal is a person identity in the fabric. Devices and grants hang off
// principals, never off devices.
type Principal struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	DisplayName string    `gorm:"not null;size:80" json:"display_name"`
	PublicKey   *string   `gorm:"type:text" json:"public_key,omitempty"`
	Status      string    `gorm:"default:active;not null;size:20" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Principal.
func (Principal) TableName() string {
	return "principals"
}

// IsActive reports whether the principal can authenticate.
func (p *Principal) IsActive() bool {
	return p.Status == StatusActive
}

// ClientDevice is a paired client that authenticates with a device secret.
type ClientDevice struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	PrincipalID      string     `gorm:"not null;size:36;index" json:"principal_id"`
	Name             string     `gorm:"not null;size:120" json:"name"`
	Platform         string     `gorm:"not null;size:60" json:"platform"`
	PublicKey        *string    `gorm:"type:text" json:"public_key,omitempty"`
	DeviceSecretHash string     `gorm:"type:text;not null" json:"-"`
	Status           string     `gorm:"default:active;not null;size:20" json:"status"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Principal Principal `gorm:"foreignKey:PrincipalID" json:"-"`
}

// TableName returns the table name for ClientDevice.
func (ClientDevice) TableName() string {
	return "client_devices"
}

// IsActive reports whether the device can authenticate.
func (d *ClientDevice) IsActive() bool {
	return d.Status == StatusActive
}

// Pairing session status values.
const (
	PairingPending   = "pending"
	PairingConfirmed = "confirmed"
	PairingExpired   = "expired"
)

// PairingSession tracks a join request awaiting code confirmation by an
// existing principal.
type PairingSession struct {
	ID                    string    `gorm:"primaryKey;size:36" json:"id"`
	DisplayName           string    `gorm:"not null;size:80" json:"display_name"`
	DeviceName            string    `gorm:"not null;size:120" json:"device_name"`
	Platform              string    `gorm:"not null;size:60" json:"platform"`
	PublicKey             *string   `gorm:"type:text" json:"public_key,omitempty"`
	PairingCode           string    `gorm:"not null;size:10" json:"-"`
	Status                string    `gorm:"default:pending;not null;size:20" json:"status"`
	ExpiresAt             time.Time `gorm:"not null" json:"expires_at"`
	ApprovedByPrincipalID *string   `gorm:"size:36" json:"approved_by_principal_id,omitempty"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for PairingSession.
func (PairingSession) TableName() string {
	return "pairing_sessions"
}
