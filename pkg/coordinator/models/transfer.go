package models

import "time"

// Transfer states.
const (
	TransferPendingReceiverApproval = "pending_receiver_approval"
	TransferApprovedPendingPasscode = "approved_pending_sender_passcode"
	TransferPasscodeOpen            = "passcode_open"
	TransferInProgress              = "in_progress"
	TransferCompleted               = "completed"
	TransferRejected                = "rejected"
	TransferExpired                 = "expired"
	TransferFailed                  = "failed"
	TransferCancelled               = "cancelled"
)

// Item states.
const (
	ItemPending   = "pending"
	ItemReceiving = "receiving"
	ItemStaged    = "staged"
	ItemCommitted = "committed"
	ItemFinalized = "finalized"
	ItemPaused    = "paused"
	ItemCompleted = "completed"
	ItemRejected  = "rejected"
	ItemFailed    = "failed"
	ItemCancelled = "cancelled"
)

var terminalTransferStates = map[string]struct{}{
	TransferCompleted: {},
	TransferRejected:  {},
	TransferExpired:   {},
	TransferFailed:    {},
	TransferCancelled: {},
}

// IsTerminalTransferState reports whether a transfer state permits no
// further transitions.
func IsTerminalTransferState(state string) bool {
	_, ok := terminalTransferStates[state]
	return ok
}

var validItemStates = map[string]struct{}{
	ItemPending:   {},
	ItemReceiving: {},
	ItemStaged:    {},
	ItemCommitted: {},
	ItemFinalized: {},
	ItemPaused:    {},
	ItemCompleted: {},
	ItemRejected:  {},
	ItemFailed:    {},
	ItemCancelled: {},
}

// IsValidItemState reports whether a state is part of the item vocabulary.
func IsValidItemState(state string) bool {
	_, ok := validItemStates[state]
	return ok
}

// TransferRequest is an inter-principal transfer tracked by the state
// machine. Its derived state is a function of the item states.
type TransferRequest struct {
	ID                   string    `gorm:"primaryKey;size:36" json:"id"`
	SenderPrincipalID    string    `gorm:"not null;size:36;index" json:"sender_principal_id"`
	SenderClientDeviceID string    `gorm:"size:36" json:"sender_client_device_id"`
	ReceiverDeviceID     string    `gorm:"not null;size:36;index" json:"receiver_device_id"`
	ReceiverShareID      string    `gorm:"not null;size:36" json:"receiver_share_id"`
	State                string    `gorm:"default:pending_receiver_approval;not null;size:40;index" json:"state"`
	Reason               *string   `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt            time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	ExpiresAt            time.Time `gorm:"not null" json:"expires_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Items          []TransferItem  `gorm:"foreignKey:TransferRequestID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	PasscodeWindow *PasscodeWindow `gorm:"foreignKey:TransferRequestID;constraint:OnDelete:CASCADE" json:"passcode_window,omitempty"`
}

// TableName returns the table name for TransferRequest.
func (TransferRequest) TableName() string {
	return "transfer_requests"
}

// IsTerminal reports whether this transfer is done.
func (t *TransferRequest) IsTerminal() bool {
	return IsTerminalTransferState(t.State)
}

// TransferItem is one file within a transfer.
type TransferItem struct {
	ID                string    `gorm:"primaryKey;size:36" json:"id"`
	TransferRequestID string    `gorm:"not null;size:36;index" json:"transfer_request_id"`
	Filename          string    `gorm:"not null;size:255" json:"filename"`
	Size              int64     `gorm:"not null" json:"size"`
	SHA256            string    `gorm:"not null;size:64" json:"sha256"`
	MimeType          *string   `gorm:"size:120" json:"mime_type,omitempty"`
	State             string    `gorm:"default:pending;not null;size:30" json:"state"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for TransferItem.
func (TransferItem) TableName() string {
	return "transfer_items"
}

// PasscodeWindow gates the sender's upload window behind a 4-digit code
// chosen by the receiver. One window per transfer; re-approval overwrites
// it in place.
type PasscodeWindow struct {
	ID                  string     `gorm:"primaryKey;size:36" json:"id"`
	TransferRequestID   string     `gorm:"not null;size:36;uniqueIndex" json:"transfer_request_id"`
	PasscodeHash        string     `gorm:"type:text;not null" json:"-"`
	AttemptsLeft        int        `gorm:"default:5;not null" json:"attempts_left"`
	FailureCount        int        `gorm:"default:0;not null" json:"failure_count"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	ExpiresAt           time.Time  `gorm:"not null" json:"expires_at"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	OpenedByPrincipalID *string    `gorm:"size:36" json:"opened_by_principal_id,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for PasscodeWindow.
func (PasscodeWindow) TableName() string {
	return "passcode_windows"
}
