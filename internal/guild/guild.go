package guild

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Sentinel errors for the guild package.
var (
	ErrNotFound          = errors.New("guild not found")
	ErrOwnerNotFound     = errors.New("guild owner does not exist")
	ErrNameLength        = errors.New("guild name must be between 2 and 100 characters")
	ErrDescriptionLength = errors.New("guild description must be between 1 and 1024 characters")
)

// Guild holds the fields read from the guilds table. Soft-deleted guilds never leave the repository.
type Guild struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	Description *string      `json:"description"`
	OwnerID     snowflake.ID `json:"owner_id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// CreateParams groups the inputs for creating a guild. The ID is allocated by the caller and doubles as the id of the
// @everyone role seeded in the same transaction.
type CreateParams struct {
	ID      snowflake.ID
	Name    string
	OwnerID snowflake.ID
	// EveryonePermissions is the initial permission set of the seeded @everyone role.
	EveryonePermissions permission.Bits
}

// UpdateParams groups the optional fields for updating a guild. SetDescriptionNull clears the description; it wins
// over a non-nil Description.
type UpdateParams struct {
	Name               *string
	Description        *string
	SetDescriptionNull bool
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateName checks that a non-nil name is between 2 and 100 runes after trimming. A nil pointer means "no change."
// On success the pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 2 || n > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateDescription checks that a non-nil description is between 1 and 1024 runes after trimming. A nil pointer
// means "no change"; clearing goes through SetDescriptionNull instead.
func ValidateDescription(desc *string) error {
	if desc == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*desc)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 1024 {
		return ErrDescriptionLength
	}
	*desc = trimmed
	return nil
}

// Repository defines the data-access contract for guild operations.
type Repository interface {
	// Create inserts the guild, its @everyone role (role id = guild id), and the owner's membership in one
	// transaction.
	Create(ctx context.Context, params CreateParams) (*Guild, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Guild, error)
	// ListForUser returns every live guild the user is a member of, ordered by guild id.
	ListForUser(ctx context.Context, userID snowflake.ID) ([]Guild, error)
	Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Guild, error)
	// Delete soft-deletes the guild. Subsequent reads treat it as absent.
	Delete(ctx context.Context, id snowflake.ID) error
}
