package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/driftline/syncd/internal/adapter"
	"github.com/driftline/syncd/internal/dependency"
	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/repositories"
)

// PushRequest is one batch of locally-queued changes from a single device.
type PushRequest struct {
	TenantID    uuid.UUID
	UserID      uuid.UUID
	DeviceID    uuid.UUID
	Changes     []models.PendingChange
	Strategy    models.ConflictStrategy
	StopOnError bool
}

// PushService reconciles offline batches against the system of record:
// idempotency by local_id, dependency ordering, local-to-authoritative id
// remapping, conflict detection via version comparison, and per-change
// outcome isolation.
type PushService struct {
	sor            adapter.SystemOfRecord
	applied        repositories.AppliedChangeRepository
	log            repositories.ChangeLogAppender
	adapterTimeout time.Duration
	logger         *logrus.Entry
}

func NewPushService(
	sor adapter.SystemOfRecord,
	applied repositories.AppliedChangeRepository,
	log repositories.ChangeLogAppender,
	adapterTimeout time.Duration,
) *PushService {
	return &PushService{
		sor:            sor,
		applied:        applied,
		log:            log,
		adapterTimeout: adapterTimeout,
		logger:         logrus.WithField("component", "push"),
	}
}

func (s *PushService) Push(ctx context.Context, req PushRequest) (*models.PushResult, error) {
	if err := validateBatch(req); err != nil {
		return nil, err
	}

	result := &models.PushResult{
		DeviceID:  req.DeviceID,
		Total:     len(req.Changes),
		IDMapping: make(map[string]string),
	}
	if len(req.Changes) == 0 {
		return result, nil
	}

	byID := make(map[string]models.PendingChange, len(req.Changes))
	localIDs := make([]string, 0, len(req.Changes))
	for _, c := range req.Changes {
		byID[c.LocalID] = c
		localIDs = append(localIDs, c.LocalID)
	}

	// Idempotency: replayed local_ids reuse the previously recorded
	// outcome and are never reapplied.
	prior, err := s.applied.GetOutcomes(ctx, req.TenantID, req.DeviceID, localIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load prior outcomes: %w", err)
	}
	for id, outcome := range prior {
		if byID[id].Action == models.ActionCreate && outcome.EntityID != "" {
			result.IDMapping[id] = outcome.EntityID
		}
	}

	order, err := s.orderBatch(req.Changes, byID, prior)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]models.ChangeResult, len(req.Changes))
	halted := false
	for _, id := range order {
		change := byID[id]

		if halted {
			outcomes[id] = models.ChangeResult{LocalID: id, Status: models.StatusPending}
			continue
		}

		res := s.processChange(ctx, req, change, result.IDMapping, prior, outcomes)
		outcomes[id] = res

		if res.Status == models.StatusFailed && req.StopOnError {
			halted = true
		}
	}

	// Itemized results in the caller's batch order, replays included.
	for _, c := range req.Changes {
		res, ok := prior[c.LocalID]
		if !ok {
			res = outcomes[c.LocalID]
		}
		result.Results = append(result.Results, res)
		switch res.Status {
		case models.StatusApplied:
			result.Succeeded++
		case models.StatusConflict:
			result.Conflicts++
		case models.StatusFailed:
			result.Failed++
		case models.StatusPending:
			result.Pending++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": req.DeviceID,
		"total":     result.Total,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"pending":   result.Pending,
	}).Info("push batch processed")
	return result, nil
}

func validateBatch(req PushRequest) error {
	if req.Strategy == "" || !req.Strategy.Valid() {
		return fmt.Errorf("%w: invalid conflict strategy %q", ErrValidation, req.Strategy)
	}
	seen := make(map[string]bool, len(req.Changes))
	for i, c := range req.Changes {
		if c.LocalID == "" {
			return fmt.Errorf("%w: change %d has empty local_id", ErrValidation, i)
		}
		if seen[c.LocalID] {
			return fmt.Errorf("%w: duplicate local_id %q in batch", ErrValidation, c.LocalID)
		}
		seen[c.LocalID] = true
		if !c.Action.Valid() {
			return fmt.Errorf("%w: change %q has invalid action %q", ErrValidation, c.LocalID, c.Action)
		}
		if c.EntityType == "" {
			return fmt.Errorf("%w: change %q has empty entity_type", ErrValidation, c.LocalID)
		}
		if c.Action != models.ActionCreate && c.EntityID == "" {
			return fmt.Errorf("%w: change %q needs an entity_id", ErrValidation, c.LocalID)
		}
	}
	return nil
}

// orderBatch builds the dependency DAG over the non-replayed changes and
// topologically sorts it. Ties are broken by priority descending, then
// local timestamp ascending, then local_id, so the order is deterministic.
func (s *PushService) orderBatch(changes []models.PendingChange, byID map[string]models.PendingChange, prior map[string]models.ChangeResult) ([]string, error) {
	graph := dependency.NewGraph()
	for _, c := range changes {
		if _, replayed := prior[c.LocalID]; !replayed {
			graph.AddNode(c.LocalID)
		}
	}
	for _, c := range changes {
		if _, replayed := prior[c.LocalID]; replayed {
			continue
		}
		for _, dep := range c.Dependencies {
			if _, replayed := prior[dep]; replayed {
				continue // already settled in an earlier batch
			}
			if _, inBatch := byID[dep]; !inBatch {
				return nil, fmt.Errorf("%w: change %q depends on unknown local_id %q", ErrValidation, c.LocalID, dep)
			}
			if err := graph.AddEdge(dep, c.LocalID); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
	}

	order, err := graph.Sort(func(a, b string) bool {
		ca, cb := byID[a], byID[b]
		if ca.Priority != cb.Priority {
			return ca.Priority > cb.Priority
		}
		if !ca.LocalTimestamp.Equal(cb.LocalTimestamp) {
			return ca.LocalTimestamp.Before(cb.LocalTimestamp)
		}
		return a < b
	})
	if err != nil {
		if errors.Is(err, dependency.ErrCycle) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	return order, nil
}

func (s *PushService) processChange(
	ctx context.Context,
	req PushRequest,
	change models.PendingChange,
	idMapping map[string]string,
	prior map[string]models.ChangeResult,
	outcomes map[string]models.ChangeResult,
) models.ChangeResult {
	// A change whose dependency did not end up applied cannot be applied
	// either.
	for _, dep := range change.Dependencies {
		res, ok := prior[dep]
		if !ok {
			res = outcomes[dep]
		}
		if res.Status != models.StatusApplied {
			return models.ChangeResult{
				LocalID: change.LocalID,
				Status:  models.StatusFailed,
				Error:   fmt.Sprintf("dependency %s not applied (%s)", dep, res.Status),
			}
		}
	}

	switch change.Action {
	case models.ActionCreate:
		return s.processCreate(ctx, req, change, idMapping)
	default:
		return s.processMutation(ctx, req, change, idMapping)
	}
}

func (s *PushService) processCreate(ctx context.Context, req PushRequest, change models.PendingChange, idMapping map[string]string) models.ChangeResult {
	payload := resolveLocalRefs(change.Payload, idMapping)

	applied, err := s.apply(ctx, change.Action, change.EntityType, "", payload)
	if err != nil {
		return failedResult(change.LocalID, err)
	}

	idMapping[change.LocalID] = applied.EntityID
	s.recordEvent(ctx, req.TenantID, change, applied, payload, nil)

	result := models.ChangeResult{LocalID: change.LocalID, Status: models.StatusApplied, EntityID: applied.EntityID}
	s.record(ctx, req.TenantID, req.DeviceID, result)
	return result
}

func (s *PushService) processMutation(ctx context.Context, req PushRequest, change models.PendingChange, idMapping map[string]string) models.ChangeResult {
	entityID := change.EntityID
	if mapped, ok := idMapping[entityID]; ok {
		// The target entity was created earlier in this (or a prior)
		// batch under a client-local id.
		entityID = mapped
	}

	info, err := s.currentVersion(ctx, change.EntityType, entityID)
	if errors.Is(err, adapter.ErrEntityNotFound) {
		if change.Action == models.ActionDelete {
			// Already gone; deleting is idempotent.
			result := models.ChangeResult{LocalID: change.LocalID, Status: models.StatusApplied, EntityID: entityID}
			s.record(ctx, req.TenantID, req.DeviceID, result)
			return result
		}
		return failedResult(change.LocalID, fmt.Errorf("entity %s/%s not found", change.EntityType, entityID))
	}
	if err != nil {
		return failedResult(change.LocalID, err)
	}

	if change.ClientVersion >= info.Version {
		return s.applyMutation(ctx, req, change, entityID, change.Payload, "")
	}

	// Stale base version: the authoritative entity moved on since this
	// device last saw it.
	outcome, err := Resolve(req.Strategy, change, info)
	if err != nil {
		return failedResult(change.LocalID, err)
	}

	conflict := &models.ConflictRecord{
		LocalID:         change.LocalID,
		Action:          change.Action,
		EntityType:      change.EntityType,
		EntityID:        entityID,
		LocalPayload:    change.Payload,
		ServerPayload:   info.Payload,
		LocalVersion:    change.ClientVersion,
		ServerVersion:   info.Version,
		LocalTimestamp:  change.LocalTimestamp,
		ServerTimestamp: info.Timestamp,
	}

	switch outcome {
	case OutcomeKeepServer:
		result := models.ChangeResult{
			LocalID:    change.LocalID,
			Status:     models.StatusConflict,
			EntityID:   entityID,
			Resolution: req.Strategy,
			Conflict:   conflict,
		}
		s.record(ctx, req.TenantID, req.DeviceID, result)
		return result

	case OutcomeApplyLocal:
		return s.applyMutation(ctx, req, change, entityID, change.Payload, req.Strategy)

	case OutcomeApplyMerged:
		return s.applyMutation(ctx, req, change, entityID, change.MergedPayload, models.StrategyMerge)

	default: // OutcomeManual
		result := models.ChangeResult{
			LocalID:    change.LocalID,
			Status:     models.StatusConflict,
			EntityID:   entityID,
			Resolution: models.StrategyManual,
			Conflict:   conflict,
		}
		s.record(ctx, req.TenantID, req.DeviceID, result)
		return result
	}
}

func (s *PushService) applyMutation(ctx context.Context, req PushRequest, change models.PendingChange, entityID string, payload map[string]any, resolution models.ConflictStrategy) models.ChangeResult {
	applied, err := s.apply(ctx, change.Action, change.EntityType, entityID, payload)
	if err != nil {
		return failedResult(change.LocalID, err)
	}

	var changedFields []string
	if change.Action == models.ActionUpdate {
		changedFields = sortedKeys(payload)
	}
	s.recordEvent(ctx, req.TenantID, change, applied, payload, changedFields)

	result := models.ChangeResult{
		LocalID:    change.LocalID,
		Status:     models.StatusApplied,
		EntityID:   applied.EntityID,
		Resolution: resolution,
	}
	s.record(ctx, req.TenantID, req.DeviceID, result)
	return result
}

// apply invokes the system-of-record adapter under the configured timeout.
// A timed-out change is reported failed and retried by the client with the
// same local_id, never automatically.
func (s *PushService) apply(ctx context.Context, action models.ChangeAction, entityType, entityID string, payload map[string]any) (adapter.ApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	defer cancel()
	return s.sor.Apply(ctx, action, entityType, entityID, payload)
}

func (s *PushService) currentVersion(ctx context.Context, entityType, entityID string) (adapter.VersionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
	defer cancel()
	return s.sor.GetCurrentVersion(ctx, entityType, entityID)
}

// recordEvent appends the accepted mutation to the change event log so
// other devices pull it. Append failure does not fail the change: the
// mutation is already committed in the system of record.
func (s *PushService) recordEvent(ctx context.Context, tenantID uuid.UUID, change models.PendingChange, applied adapter.ApplyResult, payload map[string]any, changedFields []string) {
	event := &models.ChangeEvent{
		TenantID:      tenantID,
		EntityType:    change.EntityType,
		EntityID:      applied.EntityID,
		Action:        change.Action,
		ChangedFields: changedFields,
		Payload:       payload,
		Priority:      change.Priority,
	}
	if err := s.log.Append(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"entity_type": change.EntityType,
			"entity_id":   applied.EntityID,
		}).Error("failed to append change event")
	}
}

func (s *PushService) record(ctx context.Context, tenantID, deviceID uuid.UUID, result models.ChangeResult) {
	if err := s.applied.Record(ctx, tenantID, deviceID, result); err != nil {
		s.logger.WithError(err).WithField("local_id", result.LocalID).Error("failed to record outcome")
	}
}

func failedResult(localID string, err error) models.ChangeResult {
	return models.ChangeResult{LocalID: localID, Status: models.StatusFailed, Error: err.Error()}
}

// resolveLocalRefs rewrites payload values that reference sibling creates
// by their local_id into the authoritative entity ids assigned so far.
// Matching is by exact string value, recursively through nested maps and
// slices.
func resolveLocalRefs(payload map[string]any, idMapping map[string]string) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = resolveRefValue(v, idMapping)
	}
	return out
}

func resolveRefValue(v any, idMapping map[string]string) any {
	switch val := v.(type) {
	case string:
		if mapped, ok := idMapping[val]; ok {
			return mapped
		}
		return val
	case map[string]any:
		return resolveLocalRefs(val, idMapping)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveRefValue(item, idMapping)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
