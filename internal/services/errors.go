package services

import "errors"

var (
	// ErrValidation marks a malformed batch or request. Surfaced before any
	// side effect; the whole batch is rejected.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownProfile is returned by pull for a profile the registry does
	// not know.
	ErrUnknownProfile = errors.New("unknown profile")

	ErrDeviceRevoked      = errors.New("device revoked")
	ErrInvalidCredentials = errors.New("invalid device credentials")
	ErrInvalidToken       = errors.New("invalid token")
)
