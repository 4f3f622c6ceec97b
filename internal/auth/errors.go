package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")

	ErrInvalidCredentials    = errors.New("auth: invalid credentials")
	ErrTokenExpired          = errors.New("auth: token expired")
	ErrTokenInvalidSignature = errors.New("auth: token signature invalid")
	ErrUserNotFound          = errors.New("auth: user not found")
	ErrForbidden             = errors.New("auth: forbidden")
	ErrKeyUnavailable        = errors.New("auth: signing key unavailable")

	// ErrTokenReused is reported after the token family has been revoked.
	ErrTokenReused = errors.New("auth: refresh token reused")
)
