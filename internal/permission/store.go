package permission

import (
	"context"
	"errors"
	"time"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

var (
	// ErrNotFound is returned when the guild, channel, or membership a
	// permission check depends on does not exist. Missing entities surface
	// as not-found, never as an implied permission set.
	ErrNotFound = errors.New("permission subject not found")

	// ErrOverwriteNotFound is returned when a channel overwrite does not exist.
	ErrOverwriteNotFound = errors.New("channel overwrite not found")

	// ErrConflictingBits is returned when an overwrite sets the same bit in
	// both allow and deny.
	ErrConflictingBits = errors.New("overwrite allows and denies the same bit")
)

// TargetType identifies whether a channel overwrite applies to a role or a
// single member.
type TargetType string

const (
	TargetRole   TargetType = "role"
	TargetMember TargetType = "member"
)

// RoleEntry pairs a role id with its guild-level permission bits.
type RoleEntry struct {
	RoleID      snowflake.ID
	Permissions Bits
}

// ChannelInfo holds the channel fields the engine needs: its id and the
// guild it belongs to.
type ChannelInfo struct {
	ID      snowflake.ID
	GuildID snowflake.ID
}

// Overwrite is a channel-level permission adjustment.
type Overwrite struct {
	TargetType TargetType
	TargetID   snowflake.ID
	Allow      Bits
	Deny       Bits
}

// OverwriteRow is a full channel_overwrites row, returned by write operations.
type OverwriteRow struct {
	ChannelID  snowflake.ID `json:"channel_id"`
	TargetID   snowflake.ID `json:"target_id"`
	TargetType TargetType   `json:"target_type"`
	Allow      Bits         `json:"allow"`
	Deny       Bits         `json:"deny"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Store provides read access to the state the engine computes from.
type Store interface {
	// GuildOwner returns the owner of a live guild, or ErrNotFound.
	GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error)
	// MemberRoles returns the permission bits of every role the member
	// holds in the guild, always including the @everyone role (the role
	// whose id equals the guild id). Returns ErrNotFound when the user is
	// not a member of the guild.
	MemberRoles(ctx context.Context, guildID, userID snowflake.ID) ([]RoleEntry, error)
	// ChannelInfo resolves a live channel to its guild, or ErrNotFound.
	ChannelInfo(ctx context.Context, channelID snowflake.ID) (ChannelInfo, error)
	// Overwrites returns every overwrite attached to the channel.
	Overwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error)
}

// OverwriteStore provides write access to channel overwrites.
type OverwriteStore interface {
	Set(ctx context.Context, channelID, targetID snowflake.ID, targetType TargetType, allow, deny Bits) (*OverwriteRow, error)
	Delete(ctx context.Context, channelID, targetID snowflake.ID) error
}
