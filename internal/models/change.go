package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeAction is the kind of mutation a client queued while offline.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

func (a ChangeAction) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// PendingChange is a single client-originated mutation submitted through push.
// LocalID is the client-generated idempotency key; replays with the same
// LocalID return the previously recorded outcome.
type PendingChange struct {
	LocalID        string         `json:"local_id"`
	Action         ChangeAction   `json:"action"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	MergedPayload  map[string]any `json:"merged_payload,omitempty"`
	LocalTimestamp time.Time      `json:"local_timestamp"`
	ClientVersion  int64          `json:"client_version"`
	Priority       int            `json:"priority"`
	Dependencies   []string       `json:"dependencies,omitempty"`
}

// ChangeStatus is the per-change outcome of a push cycle.
type ChangeStatus string

const (
	StatusApplied  ChangeStatus = "applied"
	StatusConflict ChangeStatus = "conflict"
	StatusFailed   ChangeStatus = "failed"
	StatusPending  ChangeStatus = "pending"
)

// ChangeResult is the itemized outcome for one pending change.
type ChangeResult struct {
	LocalID    string           `json:"local_id"`
	Status     ChangeStatus     `json:"status"`
	EntityID   string           `json:"entity_id,omitempty"`
	Resolution ConflictStrategy `json:"resolution,omitempty"`
	Error      string           `json:"error,omitempty"`
	Conflict   *ConflictRecord  `json:"conflict,omitempty"`
}

// PushResult aggregates a full push cycle. IDMapping always carries every
// local_id -> authoritative entity_id pair learned during the batch so the
// caller can rewrite local foreign keys.
type PushResult struct {
	DeviceID  uuid.UUID         `json:"device_id"`
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Conflicts int               `json:"conflicts"`
	Pending   int               `json:"pending"`
	Results   []ChangeResult    `json:"results"`
	IDMapping map[string]string `json:"id_mapping"`
}
