package models

import "time"

// AuditEvent is an append-only record of a security-relevant action.
type AuditEvent struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	ActorPrincipalID *string   `gorm:"size:36" json:"actor_principal_id,omitempty"`
	Action           string    `gorm:"not null;size:80" json:"action"`
	ResourceType     string    `gorm:"not null;size:80" json:"resource_type"`
	ResourceID       string    `gorm:"not null;size:80" json:"resource_id"`
	IP               *string   `gorm:"size:60" json:"ip,omitempty"`
	UserAgent        *string   `gorm:"size:300" json:"user_agent,omitempty"`
	MetadataJSON     *string   `gorm:"type:text" json:"metadata_json,omitempty"`
	At               time.Time `gorm:"autoCreateTime" json:"at"`
}

// TableName returns the table name for AuditEvent.
func (AuditEvent) TableName() string {
	return "audit_events"
}
