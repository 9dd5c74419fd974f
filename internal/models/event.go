package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeEvent is one authoritative mutation in the append-only change log.
// EventID is strictly monotonic and never reused; for a fixed entity the
// EventID order is consistent with ServerTimestamp order.
type ChangeEvent struct {
	EventID         int64          `json:"event_id"`
	TenantID        uuid.UUID      `json:"tenant_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Action          ChangeAction   `json:"action"`
	ChangedFields   []string       `json:"changed_fields,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Priority        int            `json:"priority"`
	ServerTimestamp time.Time      `json:"server_timestamp"`
}

// PullResult is one ordered batch of events newer than the device's cursor.
type PullResult struct {
	Events     []ChangeEvent `json:"events"`
	Count      int           `json:"count"`
	NextCursor int64         `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}
