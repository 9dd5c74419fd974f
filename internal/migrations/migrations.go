// Package migrations contains database migration definitions for the sync
// engine schema.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_sync_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `
					-- Registered client devices and their credentials
					CREATE TABLE devices (
						id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
						tenant_id uuid NOT NULL,
						user_id uuid NOT NULL,
						name text NOT NULL,
						platform text NOT NULL DEFAULT '',
						secret_hash text NOT NULL,
						last_seen_at timestamp with time zone,
						revoked_at timestamp with time zone,
						created_at timestamp with time zone NOT NULL DEFAULT now(),
						updated_at timestamp with time zone NOT NULL DEFAULT now()
					);

					-- Append-only change event log; event_id is the global
					-- ordering key devices pull against
					CREATE TABLE change_events (
						event_id bigserial PRIMARY KEY,
						tenant_id uuid NOT NULL,
						entity_type text NOT NULL,
						entity_id text NOT NULL,
						action text NOT NULL CHECK (action IN ('create', 'update', 'delete')),
						changed_fields jsonb NOT NULL DEFAULT '[]',
						payload jsonb NOT NULL DEFAULT '{}',
						priority integer NOT NULL DEFAULT 0,
						server_timestamp timestamp with time zone NOT NULL DEFAULT now()
					);

					-- One durable cursor per (tenant, user, device, profile)
					CREATE TABLE sync_cursors (
						tenant_id uuid NOT NULL,
						user_id uuid NOT NULL,
						device_id uuid NOT NULL,
						profile text NOT NULL,
						last_event_id bigint NOT NULL DEFAULT 0,
						last_sync_at timestamp with time zone,
						total_syncs bigint NOT NULL DEFAULT 0,
						total_events_delivered bigint NOT NULL DEFAULT 0,
						PRIMARY KEY (tenant_id, user_id, device_id, profile)
					);

					-- Idempotency ledger: recorded outcome per (device, local_id)
					CREATE TABLE applied_changes (
						tenant_id uuid NOT NULL,
						device_id uuid NOT NULL,
						local_id text NOT NULL,
						status text NOT NULL,
						entity_id text NOT NULL DEFAULT '',
						resolution text NOT NULL DEFAULT '',
						error text NOT NULL DEFAULT '',
						conflict jsonb,
						applied_at timestamp with time zone NOT NULL DEFAULT now(),
						PRIMARY KEY (device_id, local_id)
					);

					CREATE INDEX idx_change_events_tenant_id ON change_events(tenant_id, event_id);
					CREATE INDEX idx_change_events_entity ON change_events(tenant_id, entity_type, event_id);
					CREATE INDEX idx_sync_cursors_device ON sync_cursors(tenant_id, device_id);
					CREATE INDEX idx_applied_changes_tenant_device ON applied_changes(tenant_id, device_id);
					CREATE INDEX idx_applied_changes_applied_at ON applied_changes(applied_at);
					CREATE INDEX idx_devices_tenant_user ON devices(tenant_id, user_id);
				`)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName("syncd_migrations"),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
