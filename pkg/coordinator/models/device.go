package models

import "time"

// OnlineWindow is how long after a heartbeat a device still counts as
// online.
const OnlineWindow = 90 * time.Second

// AgentDevice is a registered data-plane agent exposing shares.
type AgentDevice struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	OwnerPrincipalID string     `gorm:"not null;size:36;index" json:"owner_principal_id"`
	Name             string     `gorm:"not null;size:120" json:"name"`
	BaseURL          string     `gorm:"not null;size:300" json:"base_url"`
	Visibility       bool       `gorm:"default:true;not null" json:"visibility"`
	OnlineState      bool       `gorm:"default:true;not null" json:"online_state"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Shares []Share `gorm:"foreignKey:AgentDeviceID" json:"shares,omitempty"`
}

// TableName returns the table name for AgentDevice.
func (AgentDevice) TableName() string {
	return "agent_devices"
}

// IsOnline reports whether the device has heartbeat recently enough to be
// fanned out to. A device that flagged itself offline is never online.
func (d *AgentDevice) IsOnline(now time.Time) bool {
	if !d.OnlineState {
		return false
	}
	if d.LastSeen == nil {
		return false
	}
	return now.Sub(*d.LastSeen) <= OnlineWindow
}

// Share is a directory tree exported by an agent device.
type Share struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	AgentDeviceID string    `gorm:"not null;size:36;index" json:"agent_device_id"`
	Name          string    `gorm:"not null;size:120" json:"name"`
	RootPath      string    `gorm:"not null;size:500" json:"root_path"`
	ReadOnly      bool      `gorm:"default:false;not null" json:"read_only"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	AgentDevice AgentDevice `gorm:"foreignKey:AgentDeviceID" json:"-"`
}

// TableName returns the table name for Share.
func (Share) TableName() string {
	return "shares"
}

// AclGrant stores a principal's permissions on a share as a canonical CSV.
// (principal_id, share_id) is unique.
type AclGrant struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	PrincipalID    string    `gorm:"not null;size:36;uniqueIndex:uq_acl_principal_share" json:"principal_id"`
	ShareID        string    `gorm:"not null;size:36;uniqueIndex:uq_acl_principal_share" json:"share_id"`
	PermissionsRaw string    `gorm:"not null;size:255" json:"permissions_raw"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for AclGrant.
func (AclGrant) TableName() string {
	return "acl_grants"
}
