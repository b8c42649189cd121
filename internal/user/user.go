package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Sentinel errors for the user package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrEmailTaken        = errors.New("email already registered")
	ErrUsernameTaken     = errors.New("username already taken")
	ErrEmailFormat       = errors.New("email address is not valid")
	ErrUsernameLength    = errors.New("username must be between 2 and 32 characters")
	ErrUsernameFormat    = errors.New("username may only contain letters, digits, dots, underscores, and hyphens")
	ErrDisplayNameLength = errors.New("display name must be between 1 and 32 characters")
	ErrPasswordLength    = errors.New("password must be between 8 and 128 characters")
)

// User holds the identity fields read from the database. The password hash is deliberately absent; repository methods
// that serve the login path return Credentials instead.
type User struct {
	ID          snowflake.ID `json:"id"`
	Email       string       `json:"email"`
	Username    string       `json:"username"`
	DisplayName *string      `json:"display_name"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Credentials extends User with the password hash. Only the authentication path receives this type.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for registering a new user. The ID is allocated by the caller from the snowflake
// generator before the insert.
type CreateParams struct {
	ID           snowflake.ID
	Email        string
	Username     string
	PasswordHash string
}

// NormalizeEmail lowercases and trims an email address. Uniqueness is enforced case-folded at storage, so the
// normalized form is what gets persisted and queried.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail performs a shallow structural check: something before and after a single-ish "@", total length within
// the SMTP path limit. Deliverability is not this layer's problem.
func ValidateEmail(email string) error {
	if len(email) < 3 || len(email) > 254 {
		return ErrEmailFormat
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return ErrEmailFormat
	}
	return nil
}

// ValidateUsername checks length (2 to 32 runes after trimming) and charset, returning the trimmed result on success.
func ValidateUsername(username string) (string, error) {
	trimmed := strings.TrimSpace(username)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 32 {
		return "", ErrUsernameLength
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return "", ErrUsernameFormat
		}
	}
	return trimmed, nil
}

// ValidateDisplayName checks that a non-nil display name is between 1 and 32 runes after trimming. A nil pointer means
// "no change." On success the pointed-to value is replaced with the trimmed result.
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 32 {
		return ErrDisplayNameLength
	}
	*name = trimmed
	return nil
}

// ValidatePassword checks the plaintext length before hashing.
func ValidatePassword(password string) error {
	if n := len(password); n < 8 || n > 128 {
		return ErrPasswordLength
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id snowflake.ID) (*User, error)
	// GetByEmail returns the credentials for a live user with the given normalized email. Serves the login path only.
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
}
