package user

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

const selectColumns = "id, email, username, display_name, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user row. Email and username collisions are told apart by the violated constraint so the
// handler can return the precise conflict code.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO users (id, email, username, password_hash)
			 VALUES ($1, $2, $3, $4)
			 RETURNING %s`, selectColumns),
		params.ID, params.Email, params.Username, params.PasswordHash,
	)
	u, err := scanUser(row)
	if err != nil {
		switch c := postgres.UniqueConstraint(err); {
		case strings.Contains(c, "email"):
			return nil, ErrEmailTaken
		case strings.Contains(c, "username"):
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns the live user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id snowflake.ID) (*User, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE id = $1 AND deleted_at IS NULL", selectColumns), id,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByEmail returns the credentials for the live user with the given normalized email.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			"SELECT %s, password_hash FROM users WHERE lower(email) = lower($1) AND deleted_at IS NULL",
			selectColumns), email,
	)
	var c Credentials
	err := row.Scan(
		&c.ID, &c.Email, &c.Username, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt,
		&c.PasswordHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return &c, nil
}

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
