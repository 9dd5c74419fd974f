// Package adapter defines the boundary to the system of record. The sync
// engine owns sync metadata (cursors, event log, idempotency ledger); the
// adapter owns entity payload semantics.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/driftline/syncd/internal/models"
)

var ErrEntityNotFound = errors.New("entity not found")

// ApplyResult reports the authoritative identity and version assigned by
// the system of record after a successful write.
type ApplyResult struct {
	EntityID  string
	Version   int64
	Timestamp time.Time
}

// VersionInfo is the current authoritative state of an entity, used for
// push-time conflict detection.
type VersionInfo struct {
	Version   int64
	Timestamp time.Time
	Payload   map[string]any
}

// SystemOfRecord executes accepted changes against the backend.
// Implementations may block on the network; callers bound every call with a
// timeout and treat an expired context as a per-change failure.
type SystemOfRecord interface {
	Apply(ctx context.Context, action models.ChangeAction, entityType, entityID string, payload map[string]any) (ApplyResult, error)
	GetCurrentVersion(ctx context.Context, entityType, entityID string) (VersionInfo, error)
}
