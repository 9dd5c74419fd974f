package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/driftline/syncd/internal/models"
)

type PostgresDeviceRepository struct {
	db DB
}

func NewPostgresDeviceRepository(db DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (tenant_id, user_id, name, platform, secret_hash)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		device.TenantID,
		device.UserID,
		device.Name,
		device.Platform,
		device.SecretHash,
	).Scan(&device.ID, &device.CreatedAt, &device.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT id, tenant_id, user_id, name, platform, secret_hash,
	                 last_seen_at, revoked_at, created_at, updated_at
	          FROM devices
	          WHERE id = $1`

	var device models.Device
	err := r.db.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.TenantID,
		&device.UserID,
		&device.Name,
		&device.Platform,
		&device.SecretHash,
		&device.LastSeenAt,
		&device.RevokedAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE devices
	          SET last_seen_at = NOW(), updated_at = NOW()
	          WHERE id = $1 AND revoked_at IS NULL`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE devices
	          SET revoked_at = NOW(), updated_at = NOW()
	          WHERE id = $1 AND revoked_at IS NULL`

	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
