// Package common defines shared constants and sentinel errors used across
// the portal service layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal  = errors.New("internal error")
	ErrorForbidden = errors.New("forbidden")

	// Validation errors. Wrapped with a static, user-facing reason.
	ErrorValidation = errors.New("validation error")

	// Upload workflow conflicts.
	ErrBatchConflict = errors.New("batch id already recorded for another parent")
	ErrRevisionTaken = errors.New("revision already used by another delivery")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
