package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/postgres"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// memberQuery is the shared SELECT used by List and GetByUserID. It joins guild_members with users and aggregates the
// member's explicitly assigned role ids from member_roles.
const memberQuery = `SELECT gm.guild_id, gm.user_id, u.username, u.display_name,
       gm.nickname, gm.joined_at,
       COALESCE(array_agg(mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}') AS role_ids
FROM guild_members gm
JOIN users u ON u.id = gm.user_id
LEFT JOIN member_roles mr ON mr.guild_id = gm.guild_id AND mr.user_id = gm.user_id
WHERE gm.guild_id = $1`

const memberGroupBy = `
GROUP BY gm.guild_id, gm.user_id, u.username, u.display_name, gm.nickname, gm.joined_at`

// Join inserts a guild_members row. The @everyone role is implicit (role id equals guild id), so no member_roles row
// is written.
func (r *PGRepository) Join(ctx context.Context, guildID, userID snowflake.ID) (*MemberWithProfile, error) {
	_, err := r.db.Exec(ctx,
		"INSERT INTO guild_members (guild_id, user_id) VALUES ($1, $2)", guildID, userID,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert membership: %w", err)
	}
	return r.GetByUserID(ctx, guildID, userID)
}

// List returns members of the guild ordered by (joined_at, user_id) using keyset pagination.
func (r *PGRepository) List(ctx context.Context, guildID snowflake.ID, after *snowflake.ID, limit int) ([]MemberWithProfile, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.db.Query(ctx,
			memberQuery+memberGroupBy+`
ORDER BY gm.joined_at, gm.user_id
LIMIT $2`, guildID, limit)
	} else {
		rows, err = r.db.Query(ctx,
			memberQuery+` AND (gm.joined_at, gm.user_id) > (
      SELECT g2.joined_at, g2.user_id FROM guild_members g2 WHERE g2.guild_id = $1 AND g2.user_id = $2
  )`+memberGroupBy+`
ORDER BY gm.joined_at, gm.user_id
LIMIT $3`, guildID, *after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []MemberWithProfile
	for rows.Next() {
		m, err := scanMemberWithProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// GetByUserID returns a single member of the guild.
func (r *PGRepository) GetByUserID(ctx context.Context, guildID, userID snowflake.ID) (*MemberWithProfile, error) {
	row := r.db.QueryRow(ctx, memberQuery+" AND gm.user_id = $2"+memberGroupBy, guildID, userID)

	m, err := scanMemberWithProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// IsMember reports whether the user belongs to the guild.
func (r *PGRepository) IsMember(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

// UpdateNickname sets or clears the member's nickname and returns the updated profile.
func (r *PGRepository) UpdateNickname(ctx context.Context, guildID, userID snowflake.ID, nickname *string) (*MemberWithProfile, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE guild_members SET nickname = $3 WHERE guild_id = $1 AND user_id = $2",
		guildID, userID, nickname,
	)
	if err != nil {
		return nil, fmt.Errorf("update nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByUserID(ctx, guildID, userID)
}

// Delete removes the membership; member_roles rows go with it via cascade.
func (r *PGRepository) Delete(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2", guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ban inserts a guild_bans row and removes the membership in one transaction. Banning a user who is not currently a
// member is allowed; the ban row alone blocks any future join.
func (r *PGRepository) Ban(ctx context.Context, guildID, userID, bannedBy snowflake.ID, reason *string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			"INSERT INTO guild_bans (guild_id, user_id, banned_by, reason) VALUES ($1, $2, $3, $4)",
			guildID, userID, bannedBy, reason,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyBanned
			}
			if postgres.IsForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert ban: %w", err)
		}

		_, err = tx.Exec(ctx,
			"DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2", guildID, userID,
		)
		if err != nil {
			return fmt.Errorf("remove banned membership: %w", err)
		}
		return nil
	})
}

// Unban removes a guild_bans row. Returns ErrBanNotFound when the user was not banned.
func (r *PGRepository) Unban(ctx context.Context, guildID, userID snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM guild_bans WHERE guild_id = $1 AND user_id = $2", guildID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

// ListBans returns every ban of the guild with the banned user's public profile, newest first.
func (r *PGRepository) ListBans(ctx context.Context, guildID snowflake.ID) ([]BanRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT b.guild_id, b.user_id, u.username, u.display_name, b.reason, b.banned_by, b.created_at
		FROM guild_bans b
		JOIN users u ON u.id = b.user_id
		WHERE b.guild_id = $1
		ORDER BY b.created_at DESC, b.user_id`, guildID)
	if err != nil {
		return nil, fmt.Errorf("query bans: %w", err)
	}
	defer rows.Close()

	var bans []BanRecord
	for rows.Next() {
		var b BanRecord
		if err := rows.Scan(&b.GuildID, &b.UserID, &b.Username, &b.DisplayName, &b.Reason, &b.BannedBy, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bans: %w", err)
	}
	return bans, nil
}

// IsBanned reports whether the user is banned from the guild.
func (r *PGRepository) IsBanned(ctx context.Context, guildID, userID snowflake.ID) (bool, error) {
	var banned bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM guild_bans WHERE guild_id = $1 AND user_id = $2)",
		guildID, userID,
	).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	return banned, nil
}

// AssignRole inserts a member_roles row. The role must belong to the guild; the @everyone role (id equal to the guild
// id) is implicit and rejected.
func (r *PGRepository) AssignRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if roleID == guildID {
		return ErrEveryoneRole
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO member_roles (guild_id, user_id, role_id)
		SELECT $1, $2, r.id FROM roles r WHERE r.id = $3 AND r.guild_id = $1
		ON CONFLICT DO NOTHING`,
		guildID, userID, roleID,
	)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("assign role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the role is not in this guild or the member already holds
		// it; tell the two apart so the handler can answer precisely.
		var exists bool
		if err := r.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM roles WHERE id = $1 AND guild_id = $2)", roleID, guildID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("diagnose role assignment: %w", err)
		}
		if !exists {
			return ErrRoleNotFound
		}
	}
	return nil
}

// RemoveRole deletes a member_roles row. Returns ErrNotFound if the member did not hold the role.
func (r *PGRepository) RemoveRole(ctx context.Context, guildID, userID, roleID snowflake.ID) error {
	if roleID == guildID {
		return ErrEveryoneRole
	}

	tag, err := r.db.Exec(ctx,
		"DELETE FROM member_roles WHERE guild_id = $1 AND user_id = $2 AND role_id = $3",
		guildID, userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanMemberWithProfile scans a row into a MemberWithProfile.
func scanMemberWithProfile(row pgx.Row) (*MemberWithProfile, error) {
	var (
		m       MemberWithProfile
		roleIDs []int64
	)
	err := row.Scan(
		&m.GuildID, &m.UserID, &m.Username, &m.DisplayName,
		&m.Nickname, &m.JoinedAt, &roleIDs,
	)
	if err != nil {
		return nil, err
	}
	m.RoleIDs = make([]snowflake.ID, len(roleIDs))
	for i, id := range roleIDs {
		m.RoleIDs[i] = snowflake.ID(id)
	}
	return &m, nil
}
