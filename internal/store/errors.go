package store

import "errors"

var (
	ErrUnknownAttendant     = errors.New("unknown attendant")
	ErrOrderNotFound        = errors.New("order not found")
	ErrNoAttendantAvailable = errors.New("no attendant available")
	ErrInvalidTransition    = errors.New("invalid order transition")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrConflict             = errors.New("concurrent conflict")
	ErrInvalidStatus        = errors.New("invalid presence status")
	ErrSessionNotFound      = errors.New("session not found")
)
