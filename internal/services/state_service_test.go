package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/syncd/internal/adapter"
	"github.com/driftline/syncd/internal/models"
)

type stateFixture struct {
	svc     *StateService
	cursors *fakeCursorRepo
	applied *fakeAppliedRepo
	log     *fakeChangeLog
	sor     *adapter.MemoryAdapter

	tenantID uuid.UUID
	userID   uuid.UUID
	deviceID uuid.UUID
}

func newStateFixture(t *testing.T) *stateFixture {
	t.Helper()
	f := &stateFixture{
		cursors:  newFakeCursorRepo(),
		applied:  newFakeAppliedRepo(),
		log:      newFakeChangeLog(),
		sor:      adapter.NewMemoryAdapter(),
		tenantID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		userID:   uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		deviceID: uuid.MustParse("33333333-3333-3333-3333-333333333333"),
	}
	f.svc = NewStateService(f.cursors, f.applied, f.log, f.log, f.sor, time.Second)
	return f
}

func (f *stateFixture) key(profile string) models.CursorKey {
	return models.CursorKey{
		TenantID: f.tenantID,
		UserID:   f.userID,
		DeviceID: f.deviceID,
		Profile:  profile,
	}
}

// recordManualConflict seeds the ledger with a deferred manual conflict over
// an entity that exists in the system of record.
func (f *stateFixture) recordManualConflict(t *testing.T, localID string) *models.ConflictRecord {
	t.Helper()
	ctx := context.Background()

	created, err := f.sor.Apply(ctx, models.ActionCreate, "order", "", map[string]any{"status": "open", "total": 10})
	require.NoError(t, err)

	rec := &models.ConflictRecord{
		LocalID:       localID,
		EntityType:    "order",
		EntityID:      created.EntityID,
		Action:        models.ActionUpdate,
		LocalPayload:  map[string]any{"status": "shipped"},
		ServerPayload: map[string]any{"status": "open", "total": 10},
		LocalVersion:  0,
		ServerVersion: created.Version,
	}
	err = f.applied.Record(ctx, f.tenantID, f.deviceID, models.ChangeResult{
		LocalID:    localID,
		Status:     models.StatusConflict,
		EntityID:   created.EntityID,
		Resolution: models.StrategyManual,
		Conflict:   rec,
	})
	require.NoError(t, err)
	return rec
}

func TestGetState_Summarizes(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	_, err := f.cursors.GetOrCreate(ctx, f.key("mobile"))
	require.NoError(t, err)
	require.NoError(t, f.cursors.Advance(ctx, f.key("mobile"), 5, 5))
	f.recordManualConflict(t, "c-1")
	require.NoError(t, f.log.Append(ctx, &models.ChangeEvent{
		TenantID:   f.tenantID,
		EntityType: "order",
		EntityID:   "ord-1",
		Action:     models.ActionCreate,
	}))

	state, err := f.svc.GetState(ctx, f.tenantID, f.deviceID)
	require.NoError(t, err)

	assert.Equal(t, f.deviceID, state.DeviceID)
	require.Len(t, state.Cursors, 1)
	assert.Equal(t, int64(5), state.Cursors[0].LastEventID)
	require.Len(t, state.Conflicts, 1)
	assert.Equal(t, "c-1", state.Conflicts[0].LocalID)
	assert.Equal(t, int64(1), state.LatestEventID)
}

func TestReset_ForcesFullResync(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	_, err := f.cursors.GetOrCreate(ctx, f.key("mobile"))
	require.NoError(t, err)
	require.NoError(t, f.cursors.Advance(ctx, f.key("mobile"), 42, 42))

	require.NoError(t, f.svc.Reset(ctx, f.key("mobile")))

	cursor, err := f.cursors.GetOrCreate(ctx, f.key("mobile"))
	require.NoError(t, err)
	assert.Zero(t, cursor.LastEventID, "next pull replays the full log")
}

func TestResolveConflicts_EmptyRejected(t *testing.T) {
	f := newStateFixture(t)

	_, err := f.svc.ResolveConflicts(context.Background(), f.tenantID, f.deviceID, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestResolveConflicts_NoPendingConflict(t *testing.T) {
	f := newStateFixture(t)

	results, err := f.svc.ResolveConflicts(context.Background(), f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "never-seen", Choice: models.ChoiceKeepServer},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "no pending conflict")
}

func TestResolveConflicts_KeepServer(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()
	rec := f.recordManualConflict(t, "c-1")

	results, err := f.svc.ResolveConflicts(ctx, f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-1", Choice: models.ChoiceKeepServer},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusConflict, results[0].Status)
	assert.Equal(t, models.StrategyServerWins, results[0].Resolution)

	// Server state untouched, conflict no longer listed as pending.
	info, err := f.sor.GetCurrentVersion(ctx, "order", rec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "open", info.Payload["status"])

	conflicts, err := f.applied.ListConflicts(ctx, f.tenantID, f.deviceID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestResolveConflicts_ApplyLocal(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()
	rec := f.recordManualConflict(t, "c-1")

	results, err := f.svc.ResolveConflicts(ctx, f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-1", Choice: models.ChoiceApplyLocal},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusApplied, results[0].Status)
	assert.Equal(t, models.StrategyClientWins, results[0].Resolution)
	assert.Equal(t, rec.EntityID, results[0].EntityID)

	info, err := f.sor.GetCurrentVersion(ctx, "order", rec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "shipped", info.Payload["status"])

	require.Len(t, f.log.events, 1, "the resolution write lands in the change log")
	assert.Equal(t, rec.EntityID, f.log.events[0].EntityID)
	assert.Equal(t, models.ActionUpdate, f.log.events[0].Action)
}

func TestResolveConflicts_ApplyLocalDelete(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()

	created, err := f.sor.Apply(ctx, models.ActionCreate, "order", "", map[string]any{"status": "open"})
	require.NoError(t, err)
	rec := &models.ConflictRecord{
		LocalID:       "c-del",
		EntityType:    "order",
		EntityID:      created.EntityID,
		Action:        models.ActionDelete,
		ServerPayload: map[string]any{"status": "open"},
		ServerVersion: created.Version,
	}
	require.NoError(t, f.applied.Record(ctx, f.tenantID, f.deviceID, models.ChangeResult{
		LocalID:    "c-del",
		Status:     models.StatusConflict,
		EntityID:   created.EntityID,
		Resolution: models.StrategyManual,
		Conflict:   rec,
	}))

	results, err := f.svc.ResolveConflicts(ctx, f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-del", Choice: models.ChoiceApplyLocal},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusApplied, results[0].Status)
	assert.Equal(t, models.StrategyClientWins, results[0].Resolution)

	// apply_local on a deferred delete removes the entity, it does not
	// degrade into an empty update.
	_, err = f.sor.GetCurrentVersion(ctx, "order", created.EntityID)
	assert.ErrorIs(t, err, adapter.ErrEntityNotFound)

	require.Len(t, f.log.events, 1)
	assert.Equal(t, models.ActionDelete, f.log.events[0].Action)
	assert.Empty(t, f.log.events[0].ChangedFields)
}

func TestResolveConflicts_ApplyMerged(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()
	rec := f.recordManualConflict(t, "c-1")

	merged := map[string]any{"status": "shipped", "total": 10}
	results, err := f.svc.ResolveConflicts(ctx, f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-1", Choice: models.ChoiceApplyMerged, MergedPayload: merged},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusApplied, results[0].Status)
	assert.Equal(t, models.StrategyMerge, results[0].Resolution)

	info, err := f.sor.GetCurrentVersion(ctx, "order", rec.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "shipped", info.Payload["status"])
}

func TestResolveConflicts_ApplyMergedWithoutPayload(t *testing.T) {
	f := newStateFixture(t)
	f.recordManualConflict(t, "c-1")

	results, err := f.svc.ResolveConflicts(context.Background(), f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-1", Choice: models.ChoiceApplyMerged},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "merged_payload")

	// Still resolvable: the conflict stays pending after the bad request.
	conflicts, err := f.applied.ListConflicts(context.Background(), f.tenantID, f.deviceID)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestResolveConflicts_AdapterFailureKeepsConflictPending(t *testing.T) {
	f := newStateFixture(t)
	ctx := context.Background()
	f.recordManualConflict(t, "c-1")
	f.svc.sor = &failingAdapter{SystemOfRecord: f.sor, failType: "order"}

	results, err := f.svc.ResolveConflicts(ctx, f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-1", Choice: models.ChoiceApplyLocal},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFailed, results[0].Status)

	conflicts, err := f.applied.ListConflicts(ctx, f.tenantID, f.deviceID)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1, "a failed apply leaves the conflict for retry")
}

func TestResolveConflicts_UnknownChoice(t *testing.T) {
	f := newStateFixture(t)
	f.recordManualConflict(t, "c-1")

	results, err := f.svc.ResolveConflicts(context.Background(), f.tenantID, f.deviceID, []models.ConflictResolution{
		{LocalID: "c-1", Choice: "flip_a_coin"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFailed, results[0].Status)
}
