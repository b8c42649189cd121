package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// PGStore implements Store and OverwriteStore using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// GuildOwner returns the owner of a live guild.
func (s *PGStore) GuildOwner(ctx context.Context, guildID snowflake.ID) (snowflake.ID, error) {
	var owner snowflake.ID
	err := s.db.QueryRow(ctx,
		"SELECT owner_id FROM guilds WHERE id = $1 AND deleted_at IS NULL",
		guildID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("guild %s: %w", guildID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query guild owner: %w", err)
	}
	return owner, nil
}

// MemberRoles returns the member's roles in the guild plus the @everyone
// role, whose id equals the guild id.
func (s *PGStore) MemberRoles(ctx context.Context, guildID, userID snowflake.ID) ([]RoleEntry, error) {
	var isMember bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID,
	).Scan(&isMember)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !isMember {
		return nil, fmt.Errorf("member %s in guild %s: %w", userID, guildID, ErrNotFound)
	}

	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.permissions FROM roles r
		JOIN member_roles mr ON mr.role_id = r.id
		WHERE mr.guild_id = $1 AND mr.user_id = $2
		UNION
		SELECT r.id, r.permissions FROM roles r
		WHERE r.guild_id = $1 AND r.id = $1
	`, guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("query member roles: %w", err)
	}
	defer rows.Close()

	var entries []RoleEntry
	for rows.Next() {
		var e RoleEntry
		if err := rows.Scan(&e.RoleID, &e.Permissions); err != nil {
			return nil, fmt.Errorf("scan role entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ChannelInfo resolves a live channel to its guild.
func (s *PGStore) ChannelInfo(ctx context.Context, channelID snowflake.ID) (ChannelInfo, error) {
	var info ChannelInfo
	err := s.db.QueryRow(ctx,
		"SELECT id, guild_id FROM channels WHERE id = $1 AND deleted_at IS NULL",
		channelID,
	).Scan(&info.ID, &info.GuildID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChannelInfo{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return ChannelInfo{}, fmt.Errorf("query channel info: %w", err)
	}
	return info, nil
}

// Overwrites returns every overwrite attached to the channel.
func (s *PGStore) Overwrites(ctx context.Context, channelID snowflake.ID) ([]Overwrite, error) {
	rows, err := s.db.Query(ctx,
		"SELECT target_type, target_id, allow_bits, deny_bits FROM channel_overwrites WHERE channel_id = $1",
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("query overwrites: %w", err)
	}
	defer rows.Close()

	var overwrites []Overwrite
	for rows.Next() {
		var o Overwrite
		var targetType string
		if err := rows.Scan(&targetType, &o.TargetID, &o.Allow, &o.Deny); err != nil {
			return nil, fmt.Errorf("scan overwrite: %w", err)
		}
		o.TargetType = TargetType(targetType)
		overwrites = append(overwrites, o)
	}
	return overwrites, rows.Err()
}

// Set upserts a channel overwrite. A bit present in both allow and deny is
// rejected with ErrConflictingBits.
func (s *PGStore) Set(ctx context.Context, channelID, targetID snowflake.ID, targetType TargetType, allow, deny Bits) (*OverwriteRow, error) {
	if allow&deny != 0 {
		return nil, ErrConflictingBits
	}

	var row OverwriteRow
	var tt string
	err := s.db.QueryRow(ctx, `
		INSERT INTO channel_overwrites (channel_id, target_id, target_type, allow_bits, deny_bits)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, target_id)
		DO UPDATE SET target_type = EXCLUDED.target_type, allow_bits = EXCLUDED.allow_bits,
			deny_bits = EXCLUDED.deny_bits, updated_at = NOW()
		RETURNING channel_id, target_id, target_type, allow_bits, deny_bits, created_at, updated_at
	`, channelID, targetID, string(targetType), allow, deny,
	).Scan(&row.ChannelID, &row.TargetID, &tt, &row.Allow, &row.Deny, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert overwrite: %w", err)
	}
	row.TargetType = TargetType(tt)
	return &row, nil
}

// Delete removes a channel overwrite. Returns ErrOverwriteNotFound when no
// matching row exists.
func (s *PGStore) Delete(ctx context.Context, channelID, targetID snowflake.ID) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM channel_overwrites WHERE channel_id = $1 AND target_id = $2",
		channelID, targetID,
	)
	if err != nil {
		return fmt.Errorf("delete overwrite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOverwriteNotFound
	}
	return nil
}
