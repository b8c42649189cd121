package role

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/postgres"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// selectColumns lists the columns returned by queries that produce a *Role. Every method that scans into a Role must
// select these columns in this exact order. See scanRole.
const selectColumns = "id, guild_id, name, permissions, color, position, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed role repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListByGuild returns the guild's roles ordered by position, then id for a stable order among ties.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Role, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE guild_id = $1 ORDER BY position, id", selectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return roles, nil
}

// GetByID returns the role matching the given ID within the guild.
func (r *PGRepository) GetByID(ctx context.Context, guildID, id snowflake.ID) (*Role, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM roles WHERE guild_id = $1 AND id = $2", selectColumns),
		guildID, id,
	)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query role by id: %w", err)
	}
	return role, nil
}

// Create inserts a new role inside a transaction that enforces MaxPerGuild and appends the role below the guild's
// current lowest-ranked role.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Role, error) {
	var role *Role
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM roles WHERE guild_id = $1", params.GuildID,
		).Scan(&count); err != nil {
			return fmt.Errorf("count roles: %w", err)
		}
		if count >= MaxPerGuild {
			return ErrMaxRolesReached
		}

		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO roles (id, guild_id, name, permissions, color, position)
				 VALUES ($1, $2, $3, $4, $5,
				         COALESCE((SELECT MAX(position) FROM roles WHERE guild_id = $2), -1) + 1)
				 RETURNING %s`, selectColumns),
			params.ID, params.GuildID, params.Name, params.Permissions, params.Color,
		)
		var err error
		role, err = scanRole(row)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyExists
			}
			if postgres.IsForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// Update applies the non-nil fields in params to the role row and returns the updated role. Renaming the @everyone
// role (id == guild id) is rejected; its other fields may change.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, guildID, id snowflake.ID, params UpdateParams) (*Role, error) {
	if id == guildID && params.Name != nil {
		return nil, ErrEveryoneImmutable
	}

	var setClauses []string
	namedArgs := pgx.NamedArgs{"guildID": guildID, "id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Permissions != nil {
		setClauses = append(setClauses, "permissions = @permissions")
		namedArgs["permissions"] = *params.Permissions
	}
	if params.Color != nil {
		setClauses = append(setClauses, "color = @color")
		namedArgs["color"] = *params.Color
	}
	if params.Position != nil {
		setClauses = append(setClauses, "position = @position")
		namedArgs["position"] = *params.Position
	}

	// A no-op PATCH returns the current row without bumping updated_at.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, guildID, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := "UPDATE roles SET " + strings.Join(setClauses, ", ") +
		" WHERE guild_id = @guildID AND id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update role: %w", err)
	}
	return role, nil
}

// Delete removes the role with the given ID. The @everyone role cannot be deleted.
func (r *PGRepository) Delete(ctx context.Context, guildID, id snowflake.ID) error {
	if id == guildID {
		return ErrEveryoneImmutable
	}
	tag, err := r.db.Exec(ctx,
		"DELETE FROM roles WHERE guild_id = $1 AND id = $2", guildID, id,
	)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanRole scans a single row into a *Role. The row must contain the columns listed in selectColumns.
func scanRole(row pgx.Row) (*Role, error) {
	var role Role
	err := row.Scan(
		&role.ID, &role.GuildID, &role.Name, &role.Permissions,
		&role.Color, &role.Position, &role.CreatedAt, &role.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &role, nil
}
