package gateway

import "errors"

// Application close codes. The 4000 range is reserved for application use by
// RFC 6455; standard codes (1000, 1001, 1013) keep their usual meanings.
const (
	CloseAuthFailed         = 4001
	CloseSessionInvalidated = 4002
	CloseHeartbeatTimeout   = 4003
	CloseInvalidPayload     = 4004
	CloseRateLimited        = 4005
)

// Sentinel errors for gateway failure modes.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMaxConnections       = errors.New("maximum connections reached")
)
