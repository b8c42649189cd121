package channel

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

// selectColumns lists the columns returned by queries that produce a *Channel. Every method that scans into a Channel
// must select these columns in this exact order. See scanChannel.
const selectColumns = "id, guild_id, parent_id, type, name, topic, position, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL. Deleted channels keep
// their rows (deleted_at set) so message history stays attached; every read
// filters them out.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed channel repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// ListByGuild returns the guild's live channels ordered by position, then id.
func (r *PGRepository) ListByGuild(ctx context.Context, guildID snowflake.ID) ([]Channel, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(
			"SELECT %s FROM channels WHERE guild_id = $1 AND deleted_at IS NULL ORDER BY position, id",
			selectColumns),
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// GetByID returns the live channel matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Channel, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM channels WHERE id = $1 AND deleted_at IS NULL", selectColumns), id,
	)
	ch, err := scanChannel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query channel by id: %w", err)
	}
	return ch, nil
}

// Create inserts a new channel inside a transaction that validates the parent reference and appends the channel after
// the guild's current last position. Categories cannot have parents; a parent must be a live CATEGORY in the same
// guild.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Channel, error) {
	if params.Type == TypeCategory && params.ParentID != nil {
		return nil, ErrCategoryNoParent
	}

	var ch *Channel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.ParentID != nil {
			if err := checkParent(ctx, tx, params.GuildID, *params.ParentID); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO channels (id, guild_id, parent_id, type, name, topic, position)
				 VALUES ($1, $2, $3, $4, $5, $6,
				         COALESCE((SELECT MAX(position) FROM channels
				                   WHERE guild_id = $2 AND deleted_at IS NULL), -1) + 1)
				 RETURNING %s`, selectColumns),
			params.ID, params.GuildID, params.ParentID, params.Type, params.Name, params.Topic,
		)
		var err error
		ch, err = scanChannel(row)
		if err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return ErrNotFound
			}
			return fmt.Errorf("insert channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Update applies the non-nil fields in params to the channel row and returns the updated channel. Re-parenting runs
// the same parent validation as Create.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, id snowflake.ID, params UpdateParams) (*Channel, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.SetTopicNull {
		setClauses = append(setClauses, "topic = NULL")
	} else if params.Topic != nil {
		setClauses = append(setClauses, "topic = @topic")
		namedArgs["topic"] = *params.Topic
	}
	if params.SetParentNull {
		setClauses = append(setClauses, "parent_id = NULL")
	} else if params.ParentID != nil {
		setClauses = append(setClauses, "parent_id = @parentID")
		namedArgs["parentID"] = *params.ParentID
	}
	if params.Position != nil {
		setClauses = append(setClauses, "position = @position")
		namedArgs["position"] = *params.Position
	}

	// A no-op PATCH returns the current row without bumping updated_at.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := "UPDATE channels SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id AND deleted_at IS NULL RETURNING " + selectColumns

	var ch *Channel
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if params.ParentID != nil && !params.SetParentNull {
			var guildID snowflake.ID
			var chType Type
			err := tx.QueryRow(ctx,
				"SELECT guild_id, type FROM channels WHERE id = $1 AND deleted_at IS NULL", id,
			).Scan(&guildID, &chType)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("query channel guild: %w", err)
			}
			if chType == TypeCategory {
				return ErrCategoryNoParent
			}
			if err := checkParent(ctx, tx, guildID, *params.ParentID); err != nil {
				return err
			}
		}

		row := tx.QueryRow(ctx, query, namedArgs)
		var err error
		ch, err = scanChannel(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("update channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Delete soft-deletes the channel by setting deleted_at. Children of a deleted category are detached, not deleted.
func (r *PGRepository) Delete(ctx context.Context, id snowflake.ID) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"UPDATE channels SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL", id,
		)
		if err != nil {
			return fmt.Errorf("delete channel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx,
			"UPDATE channels SET parent_id = NULL WHERE parent_id = $1 AND deleted_at IS NULL", id,
		); err != nil {
			return fmt.Errorf("detach child channels: %w", err)
		}
		return nil
	})
}

// checkParent validates that parentID names a live CATEGORY channel in the given guild.
func checkParent(ctx context.Context, tx pgx.Tx, guildID, parentID snowflake.ID) error {
	var parentType Type
	err := tx.QueryRow(ctx,
		"SELECT type FROM channels WHERE id = $1 AND guild_id = $2 AND deleted_at IS NULL",
		parentID, guildID,
	).Scan(&parentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrParentNotFound
	}
	if err != nil {
		return fmt.Errorf("check parent channel: %w", err)
	}
	if parentType != TypeCategory {
		return ErrParentNotCategory
	}
	return nil
}

// scanChannel scans a single row into a *Channel. The row must contain the columns listed in selectColumns.
func scanChannel(row pgx.Row) (*Channel, error) {
	var ch Channel
	err := row.Scan(
		&ch.ID, &ch.GuildID, &ch.ParentID, &ch.Type, &ch.Name,
		&ch.Topic, &ch.Position, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}
