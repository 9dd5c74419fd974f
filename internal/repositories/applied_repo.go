package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/syncd/internal/models"
)

// PostgresAppliedChangeRepository is the idempotency ledger behind push.
// The first recorded outcome for a (device_id, local_id) pair wins; replays
// of the same local_id are answered from this table instead of reapplying
// the change.
type PostgresAppliedChangeRepository struct {
	db DB
}

func NewPostgresAppliedChangeRepository(db DB) *PostgresAppliedChangeRepository {
	return &PostgresAppliedChangeRepository{db: db}
}

func (r *PostgresAppliedChangeRepository) GetOutcomes(ctx context.Context, tenantID, deviceID uuid.UUID, localIDs []string) (map[string]models.ChangeResult, error) {
	if len(localIDs) == 0 {
		return map[string]models.ChangeResult{}, nil
	}

	query := `SELECT local_id, status, entity_id, resolution, error, conflict
	          FROM applied_changes
	          WHERE tenant_id = $1 AND device_id = $2 AND local_id = ANY($3)`

	rows, err := r.db.Query(ctx, query, tenantID, deviceID, localIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied changes: %w", err)
	}
	defer rows.Close()

	outcomes := make(map[string]models.ChangeResult)
	for rows.Next() {
		var res models.ChangeResult
		var status, resolution string
		var conflict []byte
		if err := rows.Scan(&res.LocalID, &status, &res.EntityID, &resolution, &res.Error, &conflict); err != nil {
			return nil, fmt.Errorf("failed to scan applied change: %w", err)
		}
		res.Status = models.ChangeStatus(status)
		res.Resolution = models.ConflictStrategy(resolution)
		if len(conflict) > 0 {
			var rec models.ConflictRecord
			if err := json.Unmarshal(conflict, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal conflict for %s: %w", res.LocalID, err)
			}
			res.Conflict = &rec
		}
		outcomes[res.LocalID] = res
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied changes: %w", err)
	}
	return outcomes, nil
}

func (r *PostgresAppliedChangeRepository) Record(ctx context.Context, tenantID, deviceID uuid.UUID, result models.ChangeResult) error {
	conflict, err := marshalConflict(result.Conflict)
	if err != nil {
		return err
	}

	query := `INSERT INTO applied_changes (tenant_id, device_id, local_id, status, entity_id, resolution, error, conflict)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          ON CONFLICT (device_id, local_id) DO NOTHING`

	_, err = r.db.Exec(ctx, query,
		tenantID,
		deviceID,
		result.LocalID,
		string(result.Status),
		result.EntityID,
		string(result.Resolution),
		result.Error,
		conflict,
	)
	if err != nil {
		return fmt.Errorf("failed to record applied change: %w", err)
	}
	return nil
}

func (r *PostgresAppliedChangeRepository) ListConflicts(ctx context.Context, tenantID, deviceID uuid.UUID) ([]models.ChangeResult, error) {
	query := `SELECT local_id, entity_id, conflict
	          FROM applied_changes
	          WHERE tenant_id = $1 AND device_id = $2 AND status = 'conflict' AND resolution = 'manual'
	          ORDER BY applied_at ASC`

	rows, err := r.db.Query(ctx, query, tenantID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var results []models.ChangeResult
	for rows.Next() {
		res := models.ChangeResult{Status: models.StatusConflict, Resolution: models.StrategyManual}
		var conflict []byte
		if err := rows.Scan(&res.LocalID, &res.EntityID, &conflict); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		if len(conflict) > 0 {
			var rec models.ConflictRecord
			if err := json.Unmarshal(conflict, &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal conflict for %s: %w", res.LocalID, err)
			}
			res.Conflict = &rec
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return results, nil
}

// MarkResolved overwrites a manual conflict row with its final outcome.
func (r *PostgresAppliedChangeRepository) MarkResolved(ctx context.Context, tenantID, deviceID uuid.UUID, result models.ChangeResult) error {
	conflict, err := marshalConflict(result.Conflict)
	if err != nil {
		return err
	}

	query := `UPDATE applied_changes
	          SET status = $4, entity_id = $5, resolution = $6, error = $7, conflict = $8, applied_at = NOW()
	          WHERE tenant_id = $1 AND device_id = $2 AND local_id = $3 AND status = 'conflict' AND resolution = 'manual'`

	tag, err := r.db.Exec(ctx, query,
		tenantID,
		deviceID,
		result.LocalID,
		string(result.Status),
		result.EntityID,
		string(result.Resolution),
		result.Error,
		conflict,
	)
	if err != nil {
		return fmt.Errorf("failed to mark resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeOlderThan removes synced ledger rows past the retention window.
// Conflict rows awaiting manual resolution are never purged.
func (r *PostgresAppliedChangeRepository) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM applied_changes
	          WHERE status != 'conflict' AND applied_at < NOW() - $1::interval`

	tag, err := r.db.Exec(ctx, query, retention.String())
	if err != nil {
		return 0, fmt.Errorf("failed to purge applied changes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalConflict(rec *models.ConflictRecord) ([]byte, error) {
	if rec == nil {
		return nil, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conflict record: %w", err)
	}
	return data, nil
}
