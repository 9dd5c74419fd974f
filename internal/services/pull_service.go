package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/repositories"
)

// PullRequest asks for the next ordered batch of events strictly newer
// than the device's cursor.
type PullRequest struct {
	Key          models.CursorKey
	SinceEventID int64
	EntityFilter []string
	Limit        int
}

// PullService delivers incremental, filtered change batches and advances
// the per-device cursor atomically with delivery. A crash between response
// and cursor update can only cause harmless re-delivery, never loss.
type PullService struct {
	pool         repositories.TxBeginner
	cache        repositories.PullCache
	profiles     *models.ProfileRegistry
	defaultLimit int
	maxLimit     int
	logger       *logrus.Entry
}

func NewPullService(
	pool repositories.TxBeginner,
	cache repositories.PullCache,
	profiles *models.ProfileRegistry,
	defaultLimit, maxLimit int,
) *PullService {
	return &PullService{
		pool:         pool,
		cache:        cache,
		profiles:     profiles,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		logger:       logrus.WithField("component", "pull"),
	}
}

func (s *PullService) Pull(ctx context.Context, req PullRequest) (*models.PullResult, error) {
	if req.SinceEventID < 0 {
		return nil, fmt.Errorf("%w: since_event_id must not be negative", ErrValidation)
	}
	profileTypes, ok := s.profiles.EntityTypes(req.Key.Profile)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, req.Key.Profile)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	entityTypes := intersectTypes(profileTypes, req.EntityFilter)
	if len(entityTypes) == 0 {
		// Filter and profile do not overlap; nothing can ever match.
		return &models.PullResult{NextCursor: req.SinceEventID}, nil
	}

	cacheKey := pullCacheKey(req, entityTypes, limit)
	if cached, hit, err := s.cache.Get(ctx, cacheKey); err != nil {
		s.logger.WithError(err).Warn("pull cache read failed")
	} else if hit {
		return cached, nil
	}

	result, err := s.pullTx(ctx, req, entityTypes, limit)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, cacheKey, result); err != nil {
		s.logger.WithError(err).Warn("pull cache write failed")
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":   req.Key.DeviceID,
		"profile":     req.Key.Profile,
		"since":       req.SinceEventID,
		"count":       result.Count,
		"next_cursor": result.NextCursor,
	}).Debug("pull delivered")
	return result, nil
}

// pullTx queries the log and advances the cursor in one transaction so
// delivery and cursor movement commit together.
func (s *PullService) pullTx(ctx context.Context, req PullRequest, entityTypes []string, limit int) (*models.PullResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin pull transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cursors := repositories.NewPostgresCursorRepository(tx)
	log := repositories.NewPostgresChangeLog(tx)

	if _, err := cursors.GetOrCreate(ctx, req.Key); err != nil {
		return nil, err
	}

	// One extra row tells us whether more events are waiting.
	events, err := log.Query(ctx, req.Key.TenantID, req.SinceEventID, entityTypes, limit+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}

	result := &models.PullResult{
		Events:     events,
		Count:      len(events),
		NextCursor: req.SinceEventID,
		HasMore:    hasMore,
	}
	if len(events) > 0 {
		result.NextCursor = events[len(events)-1].EventID
	}

	if err := cursors.Advance(ctx, req.Key, result.NextCursor, result.Count); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit pull transaction: %w", err)
	}
	return result, nil
}

// intersectTypes narrows the profile's entity-type set by the caller's
// optional filter. An empty filter means the whole profile set.
func intersectTypes(profileTypes, filter []string) []string {
	if len(filter) == 0 {
		return profileTypes
	}
	allowed := make(map[string]bool, len(profileTypes))
	for _, t := range profileTypes {
		allowed[t] = true
	}
	seen := make(map[string]bool, len(filter))
	var out []string
	for _, t := range filter {
		if allowed[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// The effective limit is part of the key: the same cursor pulled with a
// different page size is a different response.
func pullCacheKey(req PullRequest, entityTypes []string, limit int) string {
	return fmt.Sprintf("%s:%s:%d:%d:%s",
		req.Key.DeviceID, req.Key.Profile, req.SinceEventID, limit, strings.Join(entityTypes, ","))
}
