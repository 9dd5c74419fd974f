package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/syncd/internal/models"
)

func TestChangeLog_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{"event_id", "server_timestamp"}).AddRow(int64(7), now)
	// The append must take the per-tenant advisory lock in the same
	// statement, ahead of the insert.
	mock.ExpectQuery(`(?s)pg_advisory_xact_lock.+INSERT INTO change_events`).
		WithArgs(testTenantID, "order", "e-1", "update",
			[]byte(`["status"]`), []byte(`{"status":"paid"}`), 2).
		WillReturnRows(rows)

	repo := NewPostgresChangeLog(mock)
	ev := &models.ChangeEvent{
		TenantID:      testTenantID,
		EntityType:    "order",
		EntityID:      "e-1",
		Action:        models.ActionUpdate,
		ChangedFields: []string{"status"},
		Payload:       map[string]any{"status": "paid"},
		Priority:      2,
	}
	err = repo.Append(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, int64(7), ev.EventID, "event id assigned by the log")
	assert.Equal(t, now, ev.ServerTimestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeLog_Query(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{"event_id", "entity_type", "entity_id", "action", "changed_fields", "payload", "priority", "server_timestamp"}).
		AddRow(int64(5), "order", "e-1", "create", []byte(`null`), []byte(`{"total":10}`), 0, now).
		AddRow(int64(6), "customer", "e-2", "update", []byte(`["name"]`), []byte(`{"name":"bo"}`), 1, now)

	mock.ExpectQuery(`SELECT event_id, entity_type, entity_id, action`).
		WithArgs(testTenantID, int64(4), []string{"customer", "order"}, 100).
		WillReturnRows(rows)

	repo := NewPostgresChangeLog(mock)
	events, err := repo.Query(context.Background(), testTenantID, 4, []string{"customer", "order"}, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, int64(5), events[0].EventID)
	assert.Equal(t, models.ActionCreate, events[0].Action)
	assert.Nil(t, events[0].ChangedFields)
	assert.Equal(t, float64(10), events[0].Payload["total"])

	assert.Equal(t, int64(6), events[1].EventID)
	assert.Equal(t, []string{"name"}, events[1].ChangedFields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeLog_Query_Empty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"event_id", "entity_type", "entity_id", "action", "changed_fields", "payload", "priority", "server_timestamp"})
	mock.ExpectQuery(`SELECT event_id, entity_type, entity_id, action`).
		WithArgs(testTenantID, int64(999), []string{"order"}, 50).
		WillReturnRows(rows)

	repo := NewPostgresChangeLog(mock)
	events, err := repo.Query(context.Background(), testTenantID, 999, []string{"order"}, 50)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeLog_LatestEventID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"coalesce"}).AddRow(int64(123))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(event_id\), 0\) FROM change_events`).
		WithArgs(testTenantID).
		WillReturnRows(rows)

	repo := NewPostgresChangeLog(mock)
	latest, err := repo.LatestEventID(context.Background(), testTenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(123), latest)
	assert.NoError(t, mock.ExpectationsWereMet())
}
