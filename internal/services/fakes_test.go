package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/syncd/internal/adapter"
	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/repositories"
)

// fakeAppliedRepo is an in-memory idempotency ledger with first-write-wins
// semantics, mirroring the ON CONFLICT DO NOTHING behaviour of the real one.
type fakeAppliedRepo struct {
	mu       sync.Mutex
	outcomes map[uuid.UUID]map[string]models.ChangeResult
}

func newFakeAppliedRepo() *fakeAppliedRepo {
	return &fakeAppliedRepo{outcomes: make(map[uuid.UUID]map[string]models.ChangeResult)}
}

func (f *fakeAppliedRepo) GetOutcomes(_ context.Context, _, deviceID uuid.UUID, localIDs []string) (map[string]models.ChangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]models.ChangeResult)
	for _, id := range localIDs {
		if res, ok := f.outcomes[deviceID][id]; ok {
			out[id] = res
		}
	}
	return out, nil
}

func (f *fakeAppliedRepo) Record(_ context.Context, _, deviceID uuid.UUID, result models.ChangeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byID, ok := f.outcomes[deviceID]
	if !ok {
		byID = make(map[string]models.ChangeResult)
		f.outcomes[deviceID] = byID
	}
	if _, exists := byID[result.LocalID]; !exists {
		byID[result.LocalID] = result
	}
	return nil
}

func (f *fakeAppliedRepo) ListConflicts(_ context.Context, _, deviceID uuid.UUID) ([]models.ChangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ChangeResult
	for _, res := range f.outcomes[deviceID] {
		if res.Status == models.StatusConflict && res.Resolution == models.StrategyManual {
			out = append(out, res)
		}
	}
	return out, nil
}

func (f *fakeAppliedRepo) MarkResolved(_ context.Context, _, deviceID uuid.UUID, result models.ChangeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.outcomes[deviceID][result.LocalID]
	if !ok || existing.Resolution != models.StrategyManual {
		return repositories.ErrNotFound
	}
	f.outcomes[deviceID][result.LocalID] = result
	return nil
}

func (f *fakeAppliedRepo) PurgeOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

// fakeChangeLog is an in-memory append-only event log assigning strictly
// monotonic event ids.
type fakeChangeLog struct {
	mu     sync.Mutex
	nextID int64
	events []models.ChangeEvent
}

func newFakeChangeLog() *fakeChangeLog { return &fakeChangeLog{} }

func (f *fakeChangeLog) Append(_ context.Context, event *models.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	event.EventID = f.nextID
	event.ServerTimestamp = time.Now().UTC()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeChangeLog) Query(_ context.Context, tenantID uuid.UUID, sinceEventID int64, entityTypes []string, limit int) ([]models.ChangeEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allowed := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		allowed[t] = true
	}
	var out []models.ChangeEvent
	for _, ev := range f.events {
		if ev.TenantID == tenantID && ev.EventID > sinceEventID && allowed[ev.EntityType] {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeChangeLog) LatestEventID(context.Context, uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID, nil
}

// fakeCursorRepo keeps cursors in memory with the same monotonic advance
// guarantee as the SQL GREATEST form.
type fakeCursorRepo struct {
	mu      sync.Mutex
	cursors map[models.CursorKey]*models.SyncCursor
}

func newFakeCursorRepo() *fakeCursorRepo {
	return &fakeCursorRepo{cursors: make(map[models.CursorKey]*models.SyncCursor)}
}

func (f *fakeCursorRepo) GetOrCreate(_ context.Context, key models.CursorKey) (*models.SyncCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cursors[key]; ok {
		copied := *c
		return &copied, nil
	}
	c := &models.SyncCursor{Key: key}
	f.cursors[key] = c
	copied := *c
	return &copied, nil
}

func (f *fakeCursorRepo) ListByDevice(_ context.Context, tenantID, deviceID uuid.UUID) ([]models.SyncCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SyncCursor
	for key, c := range f.cursors {
		if key.TenantID == tenantID && key.DeviceID == deviceID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCursorRepo) Advance(_ context.Context, key models.CursorKey, newEventID int64, delivered int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[key]
	if !ok {
		return repositories.ErrNotFound
	}
	if newEventID > c.LastEventID {
		c.LastEventID = newEventID
	}
	now := time.Now()
	c.LastSyncAt = &now
	c.TotalSyncs++
	c.TotalEventsDelivered += int64(delivered)
	return nil
}

func (f *fakeCursorRepo) Reset(_ context.Context, key models.CursorKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[key]
	if !ok {
		return repositories.ErrNotFound
	}
	c.LastEventID = 0
	return nil
}

// fakeCache is an in-memory PullCache without expiry, tracking hit counts.
type fakeCache struct {
	mu    sync.Mutex
	store map[string]*models.PullResult
	hits  int
	sets  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string]*models.PullResult)}
}

func (f *fakeCache) Get(_ context.Context, key string) (*models.PullResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.store[key]
	if ok {
		f.hits++
	}
	return res, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, result *models.PullResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[key] = result
	f.sets++
	return nil
}

// fakeDeviceRepo is an in-memory DeviceRepository minting ids on Create.
type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[uuid.UUID]*models.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[uuid.UUID]*models.Device)}
}

func (f *fakeDeviceRepo) Create(_ context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	device.ID = uuid.New()
	device.CreatedAt = time.Now().UTC()
	copied := *device
	f.devices[device.ID] = &copied
	return nil
}

func (f *fakeDeviceRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDeviceRepo) TouchLastSeen(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok || d.RevokedAt != nil {
		return repositories.ErrNotFound
	}
	now := time.Now()
	d.LastSeenAt = &now
	return nil
}

func (f *fakeDeviceRepo) Revoke(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok || d.RevokedAt != nil {
		return repositories.ErrNotFound
	}
	now := time.Now()
	d.RevokedAt = &now
	return nil
}

// failingAdapter wraps a SystemOfRecord and fails every Apply touching the
// configured entity type, for error-isolation tests.
type failingAdapter struct {
	adapter.SystemOfRecord
	failType string
}

func (f *failingAdapter) Apply(ctx context.Context, action models.ChangeAction, entityType, entityID string, payload map[string]any) (adapter.ApplyResult, error) {
	if entityType == f.failType {
		return adapter.ApplyResult{}, fmt.Errorf("backend rejected write for %s", entityType)
	}
	return f.SystemOfRecord.Apply(ctx, action, entityType, entityID, payload)
}
