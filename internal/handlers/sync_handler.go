package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/services"
)

// SyncHandler exposes the device-facing sync surface: push, pull, state,
// conflict resolution, and the operator-only cursor reset.
type SyncHandler struct {
	push  *services.PushService
	pull  *services.PullService
	state *services.StateService
}

func NewSyncHandler(push *services.PushService, pull *services.PullService, state *services.StateService) *SyncHandler {
	return &SyncHandler{push: push, pull: pull, state: state}
}

type pushRequest struct {
	Changes     []models.PendingChange  `json:"changes"`
	Strategy    models.ConflictStrategy `json:"strategy,omitempty"`
	StopOnError bool                    `json:"stop_on_error,omitempty"`
}

func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing device claims")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Strategy == "" {
		req.Strategy = models.StrategyServerWins
	}

	result, err := h.push.Push(r.Context(), services.PushRequest{
		TenantID:    claims.TenantID,
		UserID:      claims.UserID,
		DeviceID:    claims.DeviceID,
		Changes:     req.Changes,
		Strategy:    req.Strategy,
		StopOnError: req.StopOnError,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pullRequest struct {
	Profile      string   `json:"profile"`
	SinceEventID int64    `json:"since_event_id"`
	EntityTypes  []string `json:"entity_types,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing device claims")
		return
	}

	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	result, err := h.pull.Pull(r.Context(), services.PullRequest{
		Key: models.CursorKey{
			TenantID: claims.TenantID,
			UserID:   claims.UserID,
			DeviceID: claims.DeviceID,
			Profile:  req.Profile,
		},
		SinceEventID: req.SinceEventID,
		EntityFilter: req.EntityTypes,
		Limit:        req.Limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type resolveRequest struct {
	Resolutions []models.ConflictResolution `json:"resolutions"`
}

func (h *SyncHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing device claims")
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	results, err := h.state.ResolveConflicts(r.Context(), claims.TenantID, claims.DeviceID, req.Resolutions)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *SyncHandler) State(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing device claims")
		return
	}

	state, err := h.state.GetState(r.Context(), claims.TenantID, claims.DeviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resetRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	UserID   uuid.UUID `json:"user_id"`
	DeviceID uuid.UUID `json:"device_id"`
	Profile  string    `json:"profile"`
}

// Reset is operator-only; it names the cursor fully instead of deriving it
// from device claims.
func (h *SyncHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.TenantID == uuid.Nil || req.UserID == uuid.Nil || req.DeviceID == uuid.Nil || req.Profile == "" {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "tenant_id, user_id, device_id and profile are required")
		return
	}

	err := h.state.Reset(r.Context(), models.CursorKey{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		DeviceID: req.DeviceID,
		Profile:  req.Profile,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
