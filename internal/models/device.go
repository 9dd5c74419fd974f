package models

import (
	"time"

	"github.com/google/uuid"
)

type Device struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	Platform   string     `json:"platform"`
	SecretHash string     `json:"-"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// SyncState is the device-facing summary returned by GetState: the device's
// cursors, its unresolved conflicts, and the newest event id in the log.
type SyncState struct {
	DeviceID      uuid.UUID        `json:"device_id"`
	Cursors       []SyncCursor     `json:"cursors"`
	Conflicts     []ConflictRecord `json:"conflicts,omitempty"`
	LatestEventID int64            `json:"latest_event_id"`
}
