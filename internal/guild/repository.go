package guild

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

const selectColumns = "id, name, description, owner_id, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed guild repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts the guild row, seeds the @everyone role with the same id, and adds the owner as the first member,
// all in one transaction.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Guild, error) {
	var g *Guild
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO guilds (id, name, owner_id)
				 VALUES ($1, $2, $3)
				 RETURNING %s`, selectColumns),
			params.ID, params.Name, params.OwnerID,
		)
		var err error
		g, err = scanGuild(row)
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrOwnerNotFound
			}
			return fmt.Errorf("insert guild: %w", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO roles (id, guild_id, name, permissions, position) VALUES ($1, $1, '@everyone', $2, 0)",
			params.ID, params.EveryonePermissions,
		)
		if err != nil {
			return fmt.Errorf("seed everyone role: %w", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO guild_members (guild_id, user_id) VALUES ($1, $2)",
			params.ID, params.OwnerID,
		)
		if err != nil {
			return fmt.Errorf("add owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// GetByID returns the live guild matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Guild, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM guilds WHERE id = $1 AND deleted_at IS NULL", selectColumns), id,
	)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query guild by id: %w", err)
	}
	return g, nil
}

// ListForUser returns every live guild the user belongs to, ordered by id (creation order under snowflake ids).
func (r *PGRepository) ListForUser(ctx context.Context, userID snowflake.ID) ([]Guild, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(
			`SELECT %s FROM guilds g
			 JOIN guild_members gm ON gm.guild_id = g.id
			 WHERE gm.user_id = $1 AND g.deleted_at IS NULL
			 ORDER BY g.id`,
			prefixColumns("g")), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query guilds for user: %w", err)
	}
	defer rows.Close()

	var guilds []Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guild: %w", err)
		}
		guilds = append(guilds, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guilds: %w", err)
	}
	return guilds, nil
}

// Update applies the non-nil fields in params to the guild row and returns the updated guild.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Guild, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.SetDescriptionNull {
		setClauses = append(setClauses, "description = NULL")
	} else if params.Description != nil {
		setClauses = append(setClauses, "description = @description")
		namedArgs["description"] = *params.Description
	}

	// A no-op PATCH returns the current row without bumping updated_at.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := "UPDATE guilds SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id AND deleted_at IS NULL RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	g, err := scanGuild(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update guild: %w", err)
	}
	return g, nil
}

// Delete soft-deletes the guild. Channels, roles, and memberships stay in place but become unreachable because every
// read path filters on the guild's deleted_at.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE guilds SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("delete guild: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// prefixColumns qualifies selectColumns with a table alias for joined queries.
func prefixColumns(alias string) string {
	cols := strings.Split(selectColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// scanGuild scans a single row into a *Guild. The row must contain the columns listed in selectColumns.
func scanGuild(row pgx.Row) (*Guild, error) {
	var g Guild
	err := row.Scan(&g.ID, &g.Name, &g.Description, &g.OwnerID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}
