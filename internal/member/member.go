package member

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Sentinel errors for the member package.
var (
	ErrNotFound       = errors.New("member not found")
	ErrBanNotFound    = errors.New("ban not found")
	ErrAlreadyMember  = errors.New("user is already a member")
	ErrAlreadyBanned  = errors.New("user is already banned")
	ErrBanned         = errors.New("user is banned from this guild")
	ErrRoleNotFound   = errors.New("role not found in this guild")
	ErrEveryoneRole   = errors.New("the @everyone role cannot be manually assigned or removed")
	ErrNicknameLength = errors.New("nickname must be between 1 and 32 characters")
	ErrReasonLength   = errors.New("ban reason must be 512 characters or fewer")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Member holds the raw fields of a guild_members row.
type Member struct {
	GuildID  snowflake.ID `json:"guild_id"`
	UserID   snowflake.ID `json:"user_id"`
	Nickname *string      `json:"nickname"`
	JoinedAt time.Time    `json:"joined_at"`
}

// MemberWithProfile combines membership fields with public user data and the
// member's explicitly assigned role ids. The @everyone role is implicit (its
// id equals the guild id) and never appears in RoleIDs.
type MemberWithProfile struct {
	GuildID     snowflake.ID   `json:"guild_id"`
	UserID      snowflake.ID   `json:"user_id"`
	Username    string         `json:"username"`
	DisplayName *string        `json:"display_name"`
	Nickname    *string        `json:"nickname"`
	JoinedAt    time.Time      `json:"joined_at"`
	RoleIDs     []snowflake.ID `json:"role_ids"`
}

// BanRecord holds a guild_bans row joined with the banned user's public profile.
type BanRecord struct {
	GuildID     snowflake.ID `json:"guild_id"`
	UserID      snowflake.ID `json:"user_id"`
	Username    string       `json:"username"`
	DisplayName *string      `json:"display_name"`
	Reason      *string      `json:"reason"`
	BannedBy    snowflake.ID `json:"banned_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ValidateNickname checks that a non-nil nickname is between 1 and 32 runes after trimming whitespace. A nil pointer
// means "clear the nickname." On success the pointed-to value is replaced with the trimmed result.
func ValidateNickname(nickname *string) error {
	if nickname == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*nickname)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 32 {
		return ErrNicknameLength
	}
	*nickname = trimmed
	return nil
}

// ValidateReason checks that a non-nil ban reason is at most 512 runes after trimming. A nil pointer means "no reason
// given." On success the pointed-to value is replaced with the trimmed result.
func ValidateReason(reason *string) error {
	if reason == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*reason)
	if utf8.RuneCountInString(trimmed) > 512 {
		return ErrReasonLength
	}
	*reason = trimmed
	return nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for member operations.
type Repository interface {
	// Join adds the user to the guild. The ban list must be consulted by the
	// caller first; Join itself only enforces membership uniqueness.
	Join(ctx context.Context, guildID, userID snowflake.ID) (*MemberWithProfile, error)
	// List returns members ordered by (joined_at, user_id) using keyset
	// pagination; after is the user id of the last item on the previous page.
	List(ctx context.Context, guildID snowflake.ID, after *snowflake.ID, limit int) ([]MemberWithProfile, error)
	GetByUserID(ctx context.Context, guildID, userID snowflake.ID) (*MemberWithProfile, error)
	IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error)
	UpdateNickname(ctx context.Context, guildID, userID snowflake.ID, nickname *string) (*MemberWithProfile, error)
	// Delete removes the membership and, via cascade, its member_roles rows.
	// Serves both voluntary leave and kick; the caller decides which event to
	// publish.
	Delete(ctx context.Context, guildID, userID snowflake.ID) error

	// Bans. Ban removes the membership in the same transaction; the ban row
	// alone blocks rejoin regardless of invite validity.
	Ban(ctx context.Context, guildID, userID, bannedBy snowflake.ID, reason *string) error
	Unban(ctx context.Context, guildID, userID snowflake.ID) error
	ListBans(ctx context.Context, guildID snowflake.ID) ([]BanRecord, error)
	IsBanned(ctx context.Context, guildID, userID snowflake.ID) (bool, error)

	// Role assignment. The @everyone role is implicit and rejected by both.
	AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
	RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error
}
