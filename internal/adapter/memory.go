package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/syncd/internal/models"
)

type memoryEntity struct {
	payload   map[string]any
	version   int64
	timestamp time.Time
}

// MemoryAdapter is an in-memory reference implementation of SystemOfRecord.
// It mints UUID entity ids on create and bumps a per-entity version on every
// write, which is exactly the contract push conflict detection relies on.
type MemoryAdapter struct {
	mu       sync.RWMutex
	entities map[string]map[string]*memoryEntity // entityType -> entityID
	now      func() time.Time
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		entities: make(map[string]map[string]*memoryEntity),
		now:      time.Now,
	}
}

// WithClock overrides the adapter's clock. Tests use this to make server
// timestamps deterministic.
func (m *MemoryAdapter) WithClock(now func() time.Time) *MemoryAdapter {
	m.now = now
	return m
}

func (m *MemoryAdapter) Apply(ctx context.Context, action models.ChangeAction, entityType, entityID string, payload map[string]any) (ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return ApplyResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.entities[entityType]
	if !ok {
		byID = make(map[string]*memoryEntity)
		m.entities[entityType] = byID
	}

	ts := m.now().UTC()
	switch action {
	case models.ActionCreate:
		id := entityID
		if id == "" {
			id = uuid.New().String()
		}
		if _, exists := byID[id]; exists {
			return ApplyResult{}, fmt.Errorf("create %s/%s: already exists", entityType, id)
		}
		byID[id] = &memoryEntity{payload: clonePayload(payload), version: 1, timestamp: ts}
		return ApplyResult{EntityID: id, Version: 1, Timestamp: ts}, nil

	case models.ActionUpdate:
		ent, exists := byID[entityID]
		if !exists {
			return ApplyResult{}, ErrEntityNotFound
		}
		merged := clonePayload(ent.payload)
		for k, v := range payload {
			merged[k] = v
		}
		ent.payload = merged
		ent.version++
		ent.timestamp = ts
		return ApplyResult{EntityID: entityID, Version: ent.version, Timestamp: ts}, nil

	case models.ActionDelete:
		if _, exists := byID[entityID]; !exists {
			return ApplyResult{}, ErrEntityNotFound
		}
		delete(byID, entityID)
		return ApplyResult{EntityID: entityID, Version: 0, Timestamp: ts}, nil

	default:
		return ApplyResult{}, fmt.Errorf("unsupported action %q", action)
	}
}

func (m *MemoryAdapter) GetCurrentVersion(ctx context.Context, entityType, entityID string) (VersionInfo, error) {
	if err := ctx.Err(); err != nil {
		return VersionInfo{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ent, ok := m.entities[entityType][entityID]
	if !ok {
		return VersionInfo{}, ErrEntityNotFound
	}
	return VersionInfo{
		Version:   ent.version,
		Timestamp: ent.timestamp,
		Payload:   clonePayload(ent.payload),
	}, nil
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
