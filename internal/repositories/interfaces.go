package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/driftline/syncd/internal/models"
)

// DB is the subset of pgx behaviour the repositories need. It is satisfied
// by *pgxpool.Pool, pgx.Tx and pgxmock, so the same repository code runs
// against the pool, inside a transaction, and under unit tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is implemented by connection pools that can open transactions.
type TxBeginner interface {
	DB
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CursorRepository is the Sync Cursor Store: one durable row per
// (tenant, user, device, profile) key.
type CursorRepository interface {
	GetOrCreate(ctx context.Context, key models.CursorKey) (*models.SyncCursor, error)
	ListByDevice(ctx context.Context, tenantID, deviceID uuid.UUID) ([]models.SyncCursor, error)
	// Advance is monotonic: a newEventID lower than the stored value is a
	// harmless no-op, never an error.
	Advance(ctx context.Context, key models.CursorKey, newEventID int64, delivered int) error
	Reset(ctx context.Context, key models.CursorKey) error
}

// ChangeLogReader queries the append-only change event log. The physical
// production of the log (triggers, outbox, CDC stream) is a collaborator
// concern hidden behind this interface.
type ChangeLogReader interface {
	Query(ctx context.Context, tenantID uuid.UUID, sinceEventID int64, entityTypes []string, limit int) ([]models.ChangeEvent, error)
	LatestEventID(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// ChangeLogAppender records an authoritative mutation in the log. The push
// path uses it as an outbox: one append per successful adapter Apply.
type ChangeLogAppender interface {
	Append(ctx context.Context, event *models.ChangeEvent) error
}

// AppliedChangeRepository is the idempotency ledger: one row per
// (device_id, local_id) holding the recorded outcome, scoped by tenant
// like every other table. Rows for manual conflicts stay until resolved;
// synced rows are purged after a retention window.
type AppliedChangeRepository interface {
	GetOutcomes(ctx context.Context, tenantID, deviceID uuid.UUID, localIDs []string) (map[string]models.ChangeResult, error)
	Record(ctx context.Context, tenantID, deviceID uuid.UUID, result models.ChangeResult) error
	ListConflicts(ctx context.Context, tenantID, deviceID uuid.UUID) ([]models.ChangeResult, error)
	MarkResolved(ctx context.Context, tenantID, deviceID uuid.UUID, result models.ChangeResult) error
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// DeviceRepository tracks registered devices and their credentials.
type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

// PullCache absorbs duplicate polling: identical pulls within a short TTL
// are answered from cache without touching the log or the cursor.
type PullCache interface {
	Get(ctx context.Context, key string) (*models.PullResult, bool, error)
	Set(ctx context.Context, key string, result *models.PullResult) error
}
