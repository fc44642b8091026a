package auth

import "errors"

// Sentinel errors for the auth service and its stores. Callers match with
// errors.Is; the HTTP layer maps each to a stable status and error code.
var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountDisabled    = errors.New("auth: account disabled")

	ErrTokenExpired         = errors.New("auth: token expired")
	ErrTokenMalformed       = errors.New("auth: token malformed")
	ErrTokenBadSignature    = errors.New("auth: token signature mismatch")
	ErrTokenUnsupportedKind = errors.New("auth: unsupported token kind")
	ErrTokenRevoked         = errors.New("auth: token revoked")

	ErrRefreshInvalid = errors.New("auth: refresh token invalid")
	ErrRefreshExpired = errors.New("auth: refresh token expired")

	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrStoreUnavailable = errors.New("auth: store unavailable")
)
