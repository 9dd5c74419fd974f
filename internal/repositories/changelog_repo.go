package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftline/syncd/internal/models"
)

// PostgresChangeLog reads and appends the append-only change event log.
// event_id comes from a BIGSERIAL so ordering is assigned by the database,
// strictly monotonic, never reused.
type PostgresChangeLog struct {
	db DB
}

func NewPostgresChangeLog(db DB) *PostgresChangeLog {
	return &PostgresChangeLog{db: db}
}

func (r *PostgresChangeLog) WithDB(db DB) *PostgresChangeLog {
	return &PostgresChangeLog{db: db}
}

// Append assigns the event its event_id and server_timestamp. Appends for
// the same tenant are serialized on a transaction-scoped advisory lock, so
// an event only becomes visible once every lower event_id for that tenant
// has committed. Readers paging with `event_id > cursor` therefore never
// skip an event that commits late.
func (r *PostgresChangeLog) Append(ctx context.Context, event *models.ChangeEvent) error {
	changedFields, err := json.Marshal(event.ChangedFields)
	if err != nil {
		return fmt.Errorf("failed to marshal changed fields: %w", err)
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `WITH locked AS (
	              SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))
	          )
	          INSERT INTO change_events (tenant_id, entity_type, entity_id, action, changed_fields, payload, priority)
	          SELECT $1, $2, $3, $4, $5, $6, $7 FROM locked
	          RETURNING event_id, server_timestamp`

	err = r.db.QueryRow(ctx, query,
		event.TenantID,
		event.EntityType,
		event.EntityID,
		string(event.Action),
		changedFields,
		payload,
		event.Priority,
	).Scan(&event.EventID, &event.ServerTimestamp)
	if err != nil {
		return fmt.Errorf("failed to append change event: %w", err)
	}
	return nil
}

// Query returns events strictly newer than sinceEventID for the given
// entity types, ascending by event_id, capped at limit.
func (r *PostgresChangeLog) Query(ctx context.Context, tenantID uuid.UUID, sinceEventID int64, entityTypes []string, limit int) ([]models.ChangeEvent, error) {
	query := `SELECT event_id, entity_type, entity_id, action, changed_fields, payload, priority, server_timestamp
	          FROM change_events
	          WHERE tenant_id = $1 AND event_id > $2 AND entity_type = ANY($3)
	          ORDER BY event_id ASC
	          LIMIT $4`

	rows, err := r.db.Query(ctx, query, tenantID, sinceEventID, entityTypes, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change events: %w", err)
	}
	defer rows.Close()

	var events []models.ChangeEvent
	for rows.Next() {
		ev := models.ChangeEvent{TenantID: tenantID}
		var action string
		var changedFields, payload []byte
		err := rows.Scan(
			&ev.EventID,
			&ev.EntityType,
			&ev.EntityID,
			&action,
			&changedFields,
			&payload,
			&ev.Priority,
			&ev.ServerTimestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		ev.Action = models.ChangeAction(action)
		if len(changedFields) > 0 {
			if err := json.Unmarshal(changedFields, &ev.ChangedFields); err != nil {
				return nil, fmt.Errorf("failed to unmarshal changed fields for event %d: %w", ev.EventID, err)
			}
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload for event %d: %w", ev.EventID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change events: %w", err)
	}
	return events, nil
}

func (r *PostgresChangeLog) LatestEventID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(MAX(event_id), 0) FROM change_events WHERE tenant_id = $1`

	var latest int64
	err := r.db.QueryRow(ctx, query, tenantID).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get latest event id: %w", err)
	}
	return latest, nil
}
