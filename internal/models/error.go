package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Auth flow errors
	ErrTooManyAttempts        = errors.New("too many failed login attempts")
	ErrAccountLinkingRequired = errors.New("account linking required")
	ErrTokenExpired           = errors.New("token has expired")
	ErrAccountDisabled        = errors.New("account is disabled")
)
