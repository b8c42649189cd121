package role

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// MaxPerGuild caps the number of roles a guild can hold, the @everyone role included.
const MaxPerGuild = 250

// Sentinel errors for the role package.
var (
	ErrNotFound          = errors.New("role not found")
	ErrAlreadyExists     = errors.New("role already exists")
	ErrNameLength        = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidPosition   = errors.New("position must be non-negative")
	ErrInvalidColor      = errors.New("color must be between 0 and 16777215")
	ErrMaxRolesReached   = errors.New("maximum number of roles reached")
	ErrEveryoneImmutable = errors.New("the @everyone role cannot be renamed or deleted")
)

// Role holds the fields read from the roles table. The @everyone role of a
// guild is the row whose id equals the guild id.
type Role struct {
	ID          snowflake.ID    `json:"id"`
	GuildID     snowflake.ID    `json:"guild_id"`
	Name        string          `json:"name"`
	Permissions permission.Bits `json:"permissions"`
	Color       int             `json:"color"`
	Position    int             `json:"position"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsEveryone reports whether this is the guild's implicit @everyone role.
func (r *Role) IsEveryone() bool {
	return r.ID == r.GuildID
}

// CreateParams groups the inputs for creating a role. The ID is allocated by the caller.
type CreateParams struct {
	ID          snowflake.ID
	GuildID     snowflake.ID
	Name        string
	Permissions permission.Bits
	Color       int
}

// UpdateParams groups the optional fields for updating a role. A nil pointer means "no change."
type UpdateParams struct {
	Name        *string
	Permissions *permission.Bits
	Color       *int
	Position    *int
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateName checks that a non-nil name is between 1 and 100 runes after trimming. A nil pointer means "no change."
// On success the pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateColor checks that a non-nil color is in the valid RGB range (0 to 0xFFFFFF).
func ValidateColor(color *int) error {
	if color == nil {
		return nil
	}
	if *color < 0 || *color > 0xFFFFFF {
		return ErrInvalidColor
	}
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative. A nil pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for role operations. All reads
// and writes are scoped to a guild; a role id from another guild behaves as
// absent.
type Repository interface {
	ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error)
	GetByID(ctx context.Context, guildID, id snowflake.ID) (*Role, error)
	Create(ctx context.Context, params CreateParams) (*Role, error)
	// Update applies the non-nil fields. Renaming the @everyone role returns
	// ErrEveryoneImmutable; its permissions, color, and position may change.
	Update(ctx context.Context, guildID, id snowflake.ID, params UpdateParams) (*Role, error)
	// Delete removes the role and, via cascade, its member assignments and
	// channel overwrites. The @everyone role cannot be deleted.
	Delete(ctx context.Context, guildID, id snowflake.ID) error
}
