package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftline/syncd/internal/models"
)

var ErrNotFound = errors.New("not found")

type PostgresCursorRepository struct {
	db DB
}

func NewPostgresCursorRepository(db DB) *PostgresCursorRepository {
	return &PostgresCursorRepository{db: db}
}

// WithDB returns a repository bound to another executor, typically a
// transaction opened by the pull processor.
func (r *PostgresCursorRepository) WithDB(db DB) *PostgresCursorRepository {
	return &PostgresCursorRepository{db: db}
}

func (r *PostgresCursorRepository) GetOrCreate(ctx context.Context, key models.CursorKey) (*models.SyncCursor, error) {
	query := `SELECT last_event_id, last_sync_at, total_syncs, total_events_delivered
	          FROM sync_cursors
	          WHERE tenant_id = $1 AND user_id = $2 AND device_id = $3 AND profile = $4`

	cursor := &models.SyncCursor{Key: key}
	err := r.db.QueryRow(ctx, query, key.TenantID, key.UserID, key.DeviceID, key.Profile).Scan(
		&cursor.LastEventID,
		&cursor.LastSyncAt,
		&cursor.TotalSyncs,
		&cursor.TotalEventsDelivered,
	)
	if err == nil {
		return cursor, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// First pull or push for this key: create the row at event id 0.
	insert := `INSERT INTO sync_cursors (tenant_id, user_id, device_id, profile, last_event_id)
	           VALUES ($1, $2, $3, $4, 0)
	           ON CONFLICT (tenant_id, user_id, device_id, profile) DO NOTHING`
	if _, err := r.db.Exec(ctx, insert, key.TenantID, key.UserID, key.DeviceID, key.Profile); err != nil {
		return nil, fmt.Errorf("failed to create cursor: %w", err)
	}

	err = r.db.QueryRow(ctx, query, key.TenantID, key.UserID, key.DeviceID, key.Profile).Scan(
		&cursor.LastEventID,
		&cursor.LastSyncAt,
		&cursor.TotalSyncs,
		&cursor.TotalEventsDelivered,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reread cursor: %w", err)
	}
	return cursor, nil
}

func (r *PostgresCursorRepository) ListByDevice(ctx context.Context, tenantID, deviceID uuid.UUID) ([]models.SyncCursor, error) {
	query := `SELECT user_id, profile, last_event_id, last_sync_at, total_syncs, total_events_delivered
	          FROM sync_cursors
	          WHERE tenant_id = $1 AND device_id = $2
	          ORDER BY profile ASC`

	rows, err := r.db.Query(ctx, query, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	var cursors []models.SyncCursor
	for rows.Next() {
		c := models.SyncCursor{Key: models.CursorKey{TenantID: tenantID, DeviceID: deviceID}}
		err := rows.Scan(
			&c.Key.UserID,
			&c.Key.Profile,
			&c.LastEventID,
			&c.LastSyncAt,
			&c.TotalSyncs,
			&c.TotalEventsDelivered,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cursors: %w", err)
	}
	return cursors, nil
}

// Advance moves the cursor forward and bumps the delivery counters.
// GREATEST makes the update monotonic in SQL itself: two concurrent pulls
// racing each other always leave max(v1, v2), a lower value regresses
// nothing.
func (r *PostgresCursorRepository) Advance(ctx context.Context, key models.CursorKey, newEventID int64, delivered int) error {
	query := `UPDATE sync_cursors
	          SET last_event_id = GREATEST(last_event_id, $5),
	              last_sync_at = NOW(),
	              total_syncs = total_syncs + 1,
	              total_events_delivered = total_events_delivered + $6
	          WHERE tenant_id = $1 AND user_id = $2 AND device_id = $3 AND profile = $4`

	result, err := r.db.Exec(ctx, query, key.TenantID, key.UserID, key.DeviceID, key.Profile, newEventID, delivered)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset forces the next pull to behave as a full resync. Privileged
// operation, only reachable through the operator surface.
func (r *PostgresCursorRepository) Reset(ctx context.Context, key models.CursorKey) error {
	query := `UPDATE sync_cursors
	          SET last_event_id = 0, last_sync_at = NOW()
	          WHERE tenant_id = $1 AND user_id = $2 AND device_id = $3 AND profile = $4`

	result, err := r.db.Exec(ctx, query, key.TenantID, key.UserID, key.DeviceID, key.Profile)
	if err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
