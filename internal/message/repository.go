package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// selectColumns lists the columns returned by queries that produce a *Message. Every method that scans into a Message
// must select these columns in this exact order. See scanMessage.
const selectColumns = "id, channel_id, author_id, content, mention_user_ids, mention_role_ids, created_at, edited_at"

// CreateParams groups the inputs for inserting a message. The ID is allocated
// by the caller; the row's created_at is the timestamp embedded in the ID so
// that retried inserts land in the same partition.
type CreateParams struct {
	ID             snowflake.ID
	ChannelID      snowflake.ID
	AuthorID       snowflake.ID
	Content        string
	MentionUserIDs []snowflake.ID
	MentionRoleIDs []snowflake.ID
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	// Create inserts the message idempotently: a retry carrying the same ID
	// is absorbed and the stored row returned unchanged.
	Create(ctx context.Context, params CreateParams) (*Message, error)
	// GetByID returns a live message. Deleted and absent rows are both
	// ErrNotFound; deletion is indistinguishable from absence on reads.
	GetByID(ctx context.Context, id snowflake.ID) (*Message, error)
	List(ctx context.Context, channelID snowflake.ID, cursor Cursor) ([]Message, error)
	// UpdateContent applies an edit only when the row's edited_at still
	// equals expectedEditedAt. A lost race returns ErrEditConflict.
	UpdateContent(ctx context.Context, id snowflake.ID, content string, mentionUserIDs, mentionRoleIDs []snowflake.ID, expectedEditedAt *time.Time) (*Message, error)
	// SoftDelete sets deleted_at and reports whether this call performed the
	// transition. false means the row was absent or already deleted.
	SoftDelete(ctx context.Context, id snowflake.ID) (bool, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts the message, absorbing duplicate IDs from retried requests. After the insert the row is reread so a
// retry that conflicted returns whatever the first attempt stored.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, channel_id, author_id, content, mention_user_ids, mention_role_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id, created_at) DO NOTHING`,
		params.ID, params.ChannelID, params.AuthorID, params.Content,
		idsToInt64s(params.MentionUserIDs), idsToInt64s(params.MentionRoleIDs),
		params.ID.Timestamp(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msg, err := r.GetByID(ctx, params.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The conflicting row was deleted between insert and reread.
			return nil, ErrMessageDeleted
		}
		return nil, err
	}
	return msg, nil
}

// GetByID returns the live message matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE id = $1 AND deleted_at IS NULL", selectColumns), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// List returns live messages in ascending (created_at, id) order. With no cursor the oldest page is returned, so a
// reader that keeps passing after=last_id walks the full history. Before pages toward older history, After toward
// newer. A cursor id that no longer exists yields an empty page.
func (r *PGRepository) List(ctx context.Context, channelID snowflake.ID, cursor Cursor) ([]Message, error) {
	var (
		rows    pgx.Rows
		err     error
		reverse bool
	)

	switch {
	case cursor.Before != nil:
		reverse = true
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages
			 WHERE channel_id = $1 AND deleted_at IS NULL
			   AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`, selectColumns),
			channelID, *cursor.Before, cursor.Limit,
		)
	case cursor.After != nil:
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages
			 WHERE channel_id = $1 AND deleted_at IS NULL
			   AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
			 ORDER BY created_at, id
			 LIMIT $3`, selectColumns),
			channelID, *cursor.After, cursor.Limit,
		)
	default:
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages
			 WHERE channel_id = $1 AND deleted_at IS NULL
			 ORDER BY created_at, id
			 LIMIT $2`, selectColumns),
			channelID, cursor.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	if reverse {
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// UpdateContent applies an edit guarded by a compare-and-set on edited_at. ErrEditConflict means the guard failed:
// the row is gone, was deleted, or was edited concurrently; the caller rereads to tell which.
func (r *PGRepository) UpdateContent(ctx context.Context, id snowflake.ID, content string, mentionUserIDs, mentionRoleIDs []snowflake.ID, expectedEditedAt *time.Time) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`UPDATE messages
			 SET content = $1, mention_user_ids = $2, mention_role_ids = $3, edited_at = now()
			 WHERE id = $4 AND deleted_at IS NULL AND edited_at IS NOT DISTINCT FROM $5
			 RETURNING %s`, selectColumns),
		content, idsToInt64s(mentionUserIDs), idsToInt64s(mentionRoleIDs), id, expectedEditedAt,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEditConflict
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// SoftDelete marks the message deleted. The bool result reports whether this call made the transition.
func (r *PGRepository) SoftDelete(ctx context.Context, id snowflake.ID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		"UPDATE messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return false, fmt.Errorf("soft delete message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// scanMessage scans a single row into a *Message. The row must contain the columns listed in selectColumns.
func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg     Message
		userIDs []int64
		roleIDs []int64
	)
	err := row.Scan(
		&msg.ID, &msg.ChannelID, &msg.AuthorID, &msg.Content,
		&userIDs, &roleIDs, &msg.CreatedAt, &msg.EditedAt,
	)
	if err != nil {
		return nil, err
	}
	msg.MentionUserIDs = int64sToIDs(userIDs)
	msg.MentionRoleIDs = int64sToIDs(roleIDs)
	return &msg, nil
}

func idsToInt64s(ids []snowflake.ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func int64sToIDs(ns []int64) []snowflake.ID {
	out := make([]snowflake.ID, len(ns))
	for i, n := range ns {
		out[i] = snowflake.ID(n)
	}
	return out
}
