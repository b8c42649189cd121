package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

// TokenPair is what login, register, and refresh hand back to clients.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Service implements registration, login, and the refresh-token session
// lifecycle. Session revocations are published on the bus so gateway
// instances can drop live connections bound to the revoked session.
type Service struct {
	users     user.Repository
	sessions  SessionStore
	publisher bus.Publisher
	ids       *snowflake.Generator
	cfg       *config.Config
	log       zerolog.Logger
}

// NewService assembles the auth service.
func NewService(
	users user.Repository,
	sessions SessionStore,
	publisher bus.Publisher,
	ids *snowflake.Generator,
	cfg *config.Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		users:     users,
		sessions:  sessions,
		publisher: publisher,
		ids:       ids,
		cfg:       cfg,
		log:       logger,
	}
}

// Register creates a new account and opens its first session.
func (s *Service) Register(ctx context.Context, email, username, password string) (*user.User, *TokenPair, error) {
	email = user.NormalizeEmail(email)
	if err := user.ValidateEmail(email); err != nil {
		return nil, nil, err
	}
	username, err := user.ValidateUsername(username)
	if err != nil {
		return nil, nil, err
	}
	if err := user.ValidatePassword(password); err != nil {
		return nil, nil, err
	}

	hash, err := HashPassword(password,
		s.cfg.Argon2Memory, s.cfg.Argon2Iterations, s.cfg.Argon2Parallelism,
		s.cfg.Argon2SaltLength, s.cfg.Argon2KeyLength,
	)
	if err != nil {
		return nil, nil, err
	}

	id, err := s.ids.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("allocate user id: %w", err)
	}

	u, err := s.users.Create(ctx, user.CreateParams{
		ID:           id,
		Email:        email,
		Username:     username,
		PasswordHash: hash,
	})
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.openSession(ctx, u.ID)
	if err != nil {
		return nil, nil, err
	}
	return u, pair, nil
}

// Login verifies credentials and opens a new session. An unknown email and a
// wrong password are the same error.
func (s *Service) Login(ctx context.Context, email, password string) (*user.User, *TokenPair, error) {
	creds, err := s.users.GetByEmail(ctx, user.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	match, err := VerifyPassword(password, creds.PasswordHash)
	if err != nil {
		return nil, nil, err
	}
	if !match {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.openSession(ctx, creds.ID)
	if err != nil {
		return nil, nil, err
	}
	return &creds.User, pair, nil
}

// Refresh rotates a refresh token and mints a new access token for the same
// session. A token that fails to rotate, for any reason, yields
// ErrRefreshTokenInvalid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	newToken, newHash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Rotate(ctx, HashRefreshToken(refreshToken), newHash, time.Now().Add(s.cfg.RefreshTTL))
	if err != nil {
		return nil, err
	}

	access, err := NewAccessToken(sess.UserID, sess.ID, s.cfg.JWTSecret, s.cfg.JWTAccessTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newToken,
		ExpiresIn:    int(s.cfg.JWTAccessTTL.Seconds()),
	}, nil
}

// sessionEventPayload is the wire body of session.revoked and
// sessions.revoked_all events.
type sessionEventPayload struct {
	UserID    snowflake.ID `json:"user_id"`
	SessionID *uuid.UUID   `json:"session_id,omitempty"`
}

// Logout revokes the calling session and publishes session.revoked.
func (s *Service) Logout(ctx context.Context, userID snowflake.ID, sessionID uuid.UUID) error {
	if err := s.sessions.Revoke(ctx, sessionID, userID); err != nil {
		return err
	}
	s.publish(ctx, bus.TypeSessionRevoked, userID, sessionEventPayload{UserID: userID, SessionID: &sessionID})
	return nil
}

// LogoutAll revokes every session of the user and publishes
// sessions.revoked_all. Succeeds even when no session was active.
func (s *Service) LogoutAll(ctx context.Context, userID snowflake.ID) error {
	if _, err := s.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	s.publish(ctx, bus.TypeSessionsRevokedAll, userID, sessionEventPayload{UserID: userID})
	return nil
}

// openSession creates a session row and mints its token pair.
func (s *Service) openSession(ctx context.Context, userID snowflake.ID) (*TokenPair, error) {
	refresh, hash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ctx, userID, hash, time.Now().Add(s.cfg.RefreshTTL))
	if err != nil {
		return nil, err
	}

	access, err := NewAccessToken(userID, sess.ID, s.cfg.JWTSecret, s.cfg.JWTAccessTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.cfg.JWTAccessTTL.Seconds()),
	}, nil
}

func (s *Service) publish(ctx context.Context, t bus.Type, userID snowflake.ID, payload any) {
	if err := s.publisher.Publish(ctx, t, userID, payload); err != nil {
		s.log.Warn().Err(err).Str("type", string(t)).Stringer("user_id", userID).
			Msg("session event publish failed")
	}
}
