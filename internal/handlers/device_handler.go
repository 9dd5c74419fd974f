package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/syncd/internal/services"
)

type DeviceHandler struct {
	auth *services.AuthService
}

func NewDeviceHandler(auth *services.AuthService) *DeviceHandler {
	return &DeviceHandler{auth: auth}
}

type registerDeviceRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	UserID   uuid.UUID `json:"user_id"`
	Name     string    `json:"name"`
	Platform string    `json:"platform"`
	Secret   string    `json:"secret"`
}

type tokenResponse struct {
	DeviceID  uuid.UUID `json:"device_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.TenantID == uuid.Nil || req.UserID == uuid.Nil || req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "tenant_id, user_id and name are required")
		return
	}

	device, token, err := h.auth.RegisterDevice(r.Context(), services.RegisterRequest{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Name:     req.Name,
		Platform: req.Platform,
		Secret:   req.Secret,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"device": device,
		"auth": tokenResponse{
			DeviceID:  token.DeviceID,
			Token:     token.Token,
			ExpiresAt: token.ExpiresAt,
		},
	})
}

type loginRequest struct {
	DeviceID uuid.UUID `json:"device_id"`
	Secret   string    `json:"secret"`
}

func (h *DeviceHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == uuid.Nil {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "device_id is required")
		return
	}

	token, err := h.auth.Login(r.Context(), req.DeviceID, req.Secret)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		DeviceID:  token.DeviceID,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	})
}
