// Package apierrors defines the machine-readable error codes returned in
// HTTP error envelopes. Codes are stable wire contract; clients branch on
// them, not on the human-readable message.
package apierrors

// Code identifies an error class on the wire.
type Code string

const (
	// Request shape.
	InvalidBody     Code = "INVALID_BODY"
	ValidationError Code = "VALIDATION_ERROR"
	InvalidID       Code = "INVALID_ID"
	InvalidCursor   Code = "INVALID_CURSOR"

	// Authentication.
	Unauthorized       Code = "UNAUTHORIZED"
	InvalidCredentials Code = "INVALID_CREDENTIALS"
	SessionExpired     Code = "SESSION_EXPIRED"

	// Authorization.
	MissingPermissions Code = "MISSING_PERMISSIONS"
	Banned             Code = "BANNED"

	// Resources.
	NotFound      Code = "NOT_FOUND"
	Conflict      Code = "CONFLICT"
	UsernameTaken Code = "USERNAME_TAKEN"
	EmailTaken    Code = "EMAIL_TAKEN"
	AlreadyMember Code = "ALREADY_MEMBER"

	// Domain rules.
	EveryoneImmutable Code = "EVERYONE_IMMUTABLE"
	CannotRemoveOwner Code = "CANNOT_REMOVE_OWNER"
	InviteInvalid     Code = "INVITE_INVALID"
	InviteExpired     Code = "INVITE_EXPIRED"
	EmptyMessage      Code = "EMPTY_MESSAGE"
	MessageTooLong    Code = "MESSAGE_TOO_LONG"
	NotMessageAuthor  Code = "NOT_MESSAGE_AUTHOR"

	// Infrastructure.
	RateLimited   Code = "RATE_LIMITED"
	InternalError Code = "INTERNAL_ERROR"
	Unavailable   Code = "SERVICE_UNAVAILABLE"
)
