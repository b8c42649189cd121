package invite

import (
	"context"
	"errors"
	"time"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound        = errors.New("invite not found")
	ErrExpired         = errors.New("invite has expired")
	ErrMaxUsesReached  = errors.New("invite has reached its maximum number of uses")
	ErrChannelNotFound = errors.New("channel not found")
	ErrCodeExhausted   = errors.New("failed to generate unique invite code")
	ErrInvalidMaxUses  = errors.New("max uses must be non-negative")
	ErrInvalidMaxAge   = errors.New("max age seconds must be positive")
)

// Invite holds the fields read from the invites table. MaxUses of zero means
// unlimited; a nil ExpiresAt means the invite never expires.
type Invite struct {
	Code      string        `json:"code"`
	GuildID   snowflake.ID  `json:"guild_id"`
	ChannelID *snowflake.ID `json:"channel_id"`
	CreatorID snowflake.ID  `json:"creator_id"`
	MaxUses   int           `json:"max_uses"`
	Uses      int           `json:"uses"`
	ExpiresAt *time.Time    `json:"expires_at"`
	CreatedAt time.Time     `json:"created_at"`
}

// CreateParams groups the inputs for creating a new invite. A nil
// MaxAgeSeconds produces an invite that never expires.
type CreateParams struct {
	GuildID       snowflake.ID
	ChannelID     *snowflake.ID
	CreatorID     snowflake.ID
	MaxUses       int
	MaxAgeSeconds *int
}

// ValidateMaxUses checks that a max uses value is non-negative. Zero means unlimited.
func ValidateMaxUses(v int) error {
	if v < 0 {
		return ErrInvalidMaxUses
	}
	return nil
}

// ValidateMaxAge checks that a non-nil max age seconds value is positive. A nil pointer means "never expires."
func ValidateMaxAge(v *int) error {
	if v != nil && *v <= 0 {
		return ErrInvalidMaxAge
	}
	return nil
}

// Repository defines the data-access contract for invite operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Invite, error)
	GetByCode(ctx context.Context, code string) (*Invite, error)
	ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Invite, error)
	Delete(ctx context.Context, code string) error
	// Use atomically consumes one use of a valid invite. Expired invites and
	// invites at their use cap fail with ErrExpired and ErrMaxUsesReached.
	Use(ctx context.Context, code string) (*Invite, error)
}
