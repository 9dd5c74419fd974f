package services

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/repositories"
	"github.com/driftline/syncd/internal/utils"
)

// AuthService issues and verifies the device tokens the sync endpoints
// require. Authentication proper is a collaborator concern; this is only
// the boundary surface binding a token to a (tenant, user, device) triple.
type AuthService struct {
	devices   repositories.DeviceRepository
	jwtSecret string
	jwtExpiry time.Duration
}

type RegisterRequest struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Name     string
	Platform string
	Secret   string
}

type TokenResponse struct {
	Token     string
	ExpiresAt time.Time
	DeviceID  uuid.UUID
}

type TokenClaims struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	DeviceID uuid.UUID
}

func NewAuthService(devices repositories.DeviceRepository, jwtSecret string, jwtExpiry time.Duration) *AuthService {
	return &AuthService{
		devices:   devices,
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

func (s *AuthService) RegisterDevice(ctx context.Context, req RegisterRequest) (*models.Device, *TokenResponse, error) {
	hash, err := utils.HashDeviceSecret(req.Secret)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	device := &models.Device{
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Name:       req.Name,
		Platform:   req.Platform,
		SecretHash: hash,
	}
	if err := s.devices.Create(ctx, device); err != nil {
		return nil, nil, fmt.Errorf("failed to register device: %w", err)
	}

	token, err := s.issueToken(device)
	if err != nil {
		return nil, nil, err
	}
	return device, token, nil
}

func (s *AuthService) Login(ctx context.Context, deviceID uuid.UUID, secret string) (*TokenResponse, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if err == repositories.ErrNotFound {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device.RevokedAt != nil {
		return nil, ErrDeviceRevoked
	}
	if !utils.CheckDeviceSecret(device.SecretHash, secret) {
		return nil, ErrInvalidCredentials
	}

	if err := s.devices.TouchLastSeen(ctx, device.ID); err != nil {
		return nil, fmt.Errorf("failed to touch device: %w", err)
	}
	return s.issueToken(device)
}

func (s *AuthService) issueToken(device *models.Device) (*TokenResponse, error) {
	expiresAt := time.Now().Add(s.jwtExpiry)
	claims := jwt.MapClaims{
		"sub":       device.UserID.String(),
		"tenant_id": device.TenantID.String(),
		"device_id": device.ID.String(),
		"exp":       expiresAt.Unix(),
		"iat":       time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &TokenResponse{Token: signed, ExpiresAt: expiresAt, DeviceID: device.ID}, nil
}

func (s *AuthService) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, err := parseUUIDClaim(claims, "sub")
	if err != nil {
		return nil, ErrInvalidToken
	}
	tenantID, err := parseUUIDClaim(claims, "tenant_id")
	if err != nil {
		return nil, ErrInvalidToken
	}
	deviceID, err := parseUUIDClaim(claims, "device_id")
	if err != nil {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{TenantID: tenantID, UserID: userID, DeviceID: deviceID}, nil
}

func parseUUIDClaim(claims jwt.MapClaims, key string) (uuid.UUID, error) {
	raw, ok := claims[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("missing claim %s", key)
	}
	return uuid.Parse(raw)
}
