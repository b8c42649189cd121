package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Session is one refresh-token lineage. Rotation replaces the token hash in
// place; revocation is terminal.
type Session struct {
	ID         uuid.UUID
	UserID     snowflake.ID
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// SessionChecker is the liveness query the gateway needs. Satisfied by *PGSessionStore.
type SessionChecker interface {
	IsActive(ctx context.Context, sessionID uuid.UUID) (bool, error)
}

// SessionStore defines the data-access contract for sessions.
type SessionStore interface {
	SessionChecker
	Create(ctx context.Context, userID snowflake.ID, tokenHash string, expiresAt time.Time) (*Session, error)
	// Rotate atomically consumes the session identified by oldHash and arms
	// it with newHash. Unknown, expired, revoked, and already-rotated hashes
	// all fail with ErrRefreshTokenInvalid.
	Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (*Session, error)
	Revoke(ctx context.Context, sessionID uuid.UUID, userID snowflake.ID) error
	// RevokeAll revokes every active session of the user and returns how many
	// it touched.
	RevokeAll(ctx context.Context, userID snowflake.ID) (int, error)
}

const sessionColumns = "id, user_id, created_at, last_used_at, expires_at, revoked_at"

// PGSessionStore implements SessionStore using PostgreSQL.
type PGSessionStore struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGSessionStore creates a new PostgreSQL-backed session store.
func NewPGSessionStore(db *pgxpool.Pool, logger zerolog.Logger) *PGSessionStore {
	return &PGSessionStore{db: db, log: logger}
}

// Create opens a new session for the user.
func (s *PGSessionStore) Create(ctx context.Context, userID snowflake.ID, tokenHash string, expiresAt time.Time) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token_hash, expires_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+sessionColumns,
		uuid.New(), userID, tokenHash, expiresAt,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// IsActive reports whether the session exists, is unrevoked, and has not expired.
func (s *PGSessionStore) IsActive(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var active bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM sessions
		   WHERE id = $1 AND revoked_at IS NULL AND expires_at > now()
		 )`, sessionID,
	).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check session liveness: %w", err)
	}
	return active, nil
}

// Rotate consumes oldHash and installs newHash in one compare-and-set. The WHERE clause is the whole security
// argument: a token that was already rotated no longer matches, so replaying a stolen refresh token fails.
func (s *PGSessionStore) Rotate(ctx context.Context, oldHash, newHash string, expiresAt time.Time) (*Session, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE sessions
		 SET refresh_token_hash = $1, last_used_at = now(), expires_at = $2
		 WHERE refresh_token_hash = $3 AND revoked_at IS NULL AND expires_at > now()
		 RETURNING `+sessionColumns,
		newHash, expiresAt, oldHash,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	return sess, nil
}

// Revoke terminates one session. The user scope keeps a leaked session id from letting one user revoke another's
// session.
func (s *PGSessionStore) Revoke(ctx context.Context, sessionID uuid.UUID, userID snowflake.ID) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE sessions SET revoked_at = now() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL",
		sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RevokeAll terminates every active session of the user.
func (s *PGSessionStore) RevokeAll(ctx context.Context, userID snowflake.ID) (int, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL",
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.CreatedAt,
		&sess.LastUsedAt, &sess.ExpiresAt, &sess.RevokedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// newRefreshToken returns a fresh opaque refresh token and its storage hash.
// Only the hash touches the database; a database leak exposes no usable
// tokens.
func newRefreshToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashRefreshToken(token), nil
}

// HashRefreshToken derives the storage hash of a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
