package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/driftline/syncd/internal/adapter"
	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/repositories"
)

// StateService covers the device-facing bookkeeping surface: sync state
// summaries, manual conflict resolution, and the privileged cursor reset.
type StateService struct {
	cursors        repositories.CursorRepository
	applied        repositories.AppliedChangeRepository
	log            repositories.ChangeLogReader
	appender       repositories.ChangeLogAppender
	sor            adapter.SystemOfRecord
	adapterTimeout time.Duration
	logger         *logrus.Entry
}

func NewStateService(
	cursors repositories.CursorRepository,
	applied repositories.AppliedChangeRepository,
	log repositories.ChangeLogReader,
	appender repositories.ChangeLogAppender,
	sor adapter.SystemOfRecord,
	adapterTimeout time.Duration,
) *StateService {
	return &StateService{
		cursors:        cursors,
		applied:        applied,
		log:            log,
		appender:       appender,
		sor:            sor,
		adapterTimeout: adapterTimeout,
		logger:         logrus.WithField("component", "state"),
	}
}

func (s *StateService) GetState(ctx context.Context, tenantID, deviceID uuid.UUID) (*models.SyncState, error) {
	cursors, err := s.cursors.ListByDevice(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}

	conflicts, err := s.applied.ListConflicts(ctx, tenantID, deviceID)
	if err != nil {
		return nil, err
	}
	records := make([]models.ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		if c.Conflict != nil {
			records = append(records, *c.Conflict)
		}
	}

	latest, err := s.log.LatestEventID(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	return &models.SyncState{
		DeviceID:      deviceID,
		Cursors:       cursors,
		Conflicts:     records,
		LatestEventID: latest,
	}, nil
}

// Reset sets the cursor back to event id 0, forcing the next pull to
// behave as a full resync. Operator-only.
func (s *StateService) Reset(ctx context.Context, key models.CursorKey) error {
	if err := s.cursors.Reset(ctx, key); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"device_id": key.DeviceID,
		"profile":   key.Profile,
	}).Warn("cursor reset to 0")
	return nil
}

// ResolveConflicts applies the client's explicit decisions for changes that
// were previously deferred as manual conflicts.
func (s *StateService) ResolveConflicts(ctx context.Context, tenantID, deviceID uuid.UUID, resolutions []models.ConflictResolution) ([]models.ChangeResult, error) {
	if len(resolutions) == 0 {
		return nil, fmt.Errorf("%w: no resolutions supplied", ErrValidation)
	}

	results := make([]models.ChangeResult, 0, len(resolutions))
	for _, res := range resolutions {
		results = append(results, s.resolveOne(ctx, tenantID, deviceID, res))
	}
	return results, nil
}

func (s *StateService) resolveOne(ctx context.Context, tenantID, deviceID uuid.UUID, res models.ConflictResolution) models.ChangeResult {
	outcomes, err := s.applied.GetOutcomes(ctx, tenantID, deviceID, []string{res.LocalID})
	if err != nil {
		return failedResult(res.LocalID, err)
	}
	pending, ok := outcomes[res.LocalID]
	if !ok || pending.Resolution != models.StrategyManual || pending.Conflict == nil {
		return failedResult(res.LocalID, fmt.Errorf("no pending conflict for local_id %s", res.LocalID))
	}
	rec := pending.Conflict

	switch res.Choice {
	case models.ChoiceKeepServer:
		final := models.ChangeResult{
			LocalID:    res.LocalID,
			Status:     models.StatusConflict,
			EntityID:   rec.EntityID,
			Resolution: models.StrategyServerWins,
		}
		if err := s.applied.MarkResolved(ctx, tenantID, deviceID, final); err != nil {
			return failedResult(res.LocalID, err)
		}
		return final

	case models.ChoiceApplyLocal, models.ChoiceApplyMerged:
		// apply_local replays the change's own action, so a deferred
		// delete really deletes. apply_merged always writes the merged
		// payload as an update.
		action := models.ActionUpdate
		if res.Choice == models.ChoiceApplyLocal && rec.Action != "" {
			action = rec.Action
		}
		payload := rec.LocalPayload
		resolution := models.StrategyClientWins
		if res.Choice == models.ChoiceApplyMerged {
			if res.MergedPayload == nil {
				return failedResult(res.LocalID, fmt.Errorf("%w: apply_merged requires merged_payload", ErrValidation))
			}
			payload = res.MergedPayload
			resolution = models.StrategyMerge
		}

		applyCtx, cancel := context.WithTimeout(ctx, s.adapterTimeout)
		applied, err := s.sor.Apply(applyCtx, action, rec.EntityType, rec.EntityID, payload)
		cancel()
		if err != nil {
			// Not marked resolved: the client retries the resolution.
			return failedResult(res.LocalID, err)
		}

		var changedFields []string
		if action == models.ActionUpdate {
			changedFields = sortedKeys(payload)
		}
		event := &models.ChangeEvent{
			TenantID:      tenantID,
			EntityType:    rec.EntityType,
			EntityID:      rec.EntityID,
			Action:        action,
			ChangedFields: changedFields,
			Payload:       payload,
		}
		if err := s.appender.Append(ctx, event); err != nil {
			s.logger.WithError(err).WithField("entity_id", rec.EntityID).Error("failed to append change event")
		}

		final := models.ChangeResult{
			LocalID:    res.LocalID,
			Status:     models.StatusApplied,
			EntityID:   applied.EntityID,
			Resolution: resolution,
		}
		if err := s.applied.MarkResolved(ctx, tenantID, deviceID, final); err != nil {
			return failedResult(res.LocalID, err)
		}
		return final

	default:
		return failedResult(res.LocalID, fmt.Errorf("%w: unknown choice %q", ErrValidation, res.Choice))
	}
}
