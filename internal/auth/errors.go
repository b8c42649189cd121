package auth

import "errors"

// Sentinel errors for the auth package.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	// ErrRefreshTokenInvalid covers unknown, expired, revoked, and already
	// consumed refresh tokens. The cases are deliberately indistinguishable
	// on the wire: a reused token looks identical to a bogus one.
	ErrRefreshTokenInvalid = errors.New("refresh token is invalid")
	ErrSessionNotFound     = errors.New("session not found")
)
