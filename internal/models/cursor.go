package models

import (
	"time"

	"github.com/google/uuid"
)

// CursorKey identifies one device's sync position for one application profile.
type CursorKey struct {
	TenantID uuid.UUID `json:"tenant_id"`
	UserID   uuid.UUID `json:"user_id"`
	DeviceID uuid.UUID `json:"device_id"`
	Profile  string    `json:"profile"`
}

// SyncCursor is the durable per-key record of the last event consumed.
// LastEventID only ever moves forward; a reset back to zero is an explicit
// operator action that forces a full resync on the next pull.
type SyncCursor struct {
	Key                  CursorKey  `json:"key"`
	LastEventID          int64      `json:"last_event_id"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	TotalSyncs           int64      `json:"total_syncs"`
	TotalEventsDelivered int64      `json:"total_events_delivered"`
}
