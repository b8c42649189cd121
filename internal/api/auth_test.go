package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/apierrors"
	"github.com/accord-chat/accord-server/internal/auth"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

// fakeUserRepo implements user.Repository for handler tests.
type fakeUserRepo struct {
	byEmail map[string]*user.Credentials
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byEmail: make(map[string]*user.Credentials)}
}

func (r *fakeUserRepo) Create(_ context.Context, params user.CreateParams) (*user.User, error) {
	if _, ok := r.byEmail[params.Email]; ok {
		return nil, user.ErrEmailTaken
	}
	for _, c := range r.byEmail {
		if c.Username == params.Username {
			return nil, user.ErrUsernameTaken
		}
	}
	c := &user.Credentials{
		User: user.User{
			ID:        params.ID,
			Email:     params.Email,
			Username:  params.Username,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		PasswordHash: params.PasswordHash,
	}
	r.byEmail[params.Email] = c
	cpy := c.User
	return &cpy, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id snowflake.ID) (*user.User, error) {
	for _, c := range r.byEmail {
		if c.ID == id {
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*user.Credentials, error) {
	c, ok := r.byEmail[email]
	if !ok {
		return nil, user.ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

// fakeSessionStore implements auth.SessionStore in memory.
type fakeSessionStore struct {
	sessions map[uuid.UUID]*auth.Session
	hashes   map[string]uuid.UUID
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]*auth.Session),
		hashes:   make(map[string]uuid.UUID),
	}
}

func (s *fakeSessionStore) Create(_ context.Context, userID snowflake.ID, tokenHash string, expiresAt time.Time) (*auth.Session, error) {
	sess := &auth.Session{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}
	s.sessions[sess.ID] = sess
	s.hashes[tokenHash] = sess.ID
	cpy := *sess
	return &cpy, nil
}

func (s *fakeSessionStore) Rotate(_ context.Context, oldHash, newHash string, expiresAt time.Time) (*auth.Session, error) {
	id, ok := s.hashes[oldHash]
	if !ok {
		return nil, auth.ErrRefreshTokenInvalid
	}
	sess := s.sessions[id]
	if sess.RevokedAt != nil || sess.ExpiresAt.Before(time.Now()) {
		return nil, auth.ErrRefreshTokenInvalid
	}
	delete(s.hashes, oldHash)
	s.hashes[newHash] = id
	sess.ExpiresAt = expiresAt
	cpy := *sess
	return &cpy, nil
}

func (s *fakeSessionStore) Revoke(_ context.Context, sessionID uuid.UUID, userID snowflake.ID) error {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return auth.ErrSessionNotFound
	}
	now := time.Now()
	sess.RevokedAt = &now
	return nil
}

func (s *fakeSessionStore) RevokeAll(_ context.Context, userID snowflake.ID) (int, error) {
	n := 0
	now := time.Now()
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (s *fakeSessionStore) IsActive(_ context.Context, sessionID uuid.UUID) (bool, error) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, nil
	}
	return sess.RevokedAt == nil && sess.ExpiresAt.After(time.Now()), nil
}

// testAuthConfig uses minimal argon2 parameters so hashing stays fast.
func testAuthConfig() *config.Config {
	return &config.Config{
		JWTSecret:         "0123456789abcdef0123456789abcdef",
		JWTAccessTTL:      15 * time.Minute,
		RefreshTTL:        24 * time.Hour,
		Argon2Memory:      8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

func testAuthApp(t *testing.T, pub *fakePublisher) (*fiber.App, *fakeSessionStore) {
	t.Helper()
	ids, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	sessions := newFakeSessionStore()
	svc := auth.NewService(newFakeUserRepo(), sessions, pub, ids, testAuthConfig(), zerolog.Nop())
	handler := NewAuthHandler(svc, zerolog.Nop())

	app := fiber.New()
	app.Post("/auth/register", handler.Register)
	app.Post("/auth/login", handler.Login)
	app.Post("/auth/refresh", handler.Refresh)
	app.Post("/auth/logout", fakeAuthFromSession(sessions), handler.Logout)
	app.Post("/auth/logout-all", fakeAuthFromSession(sessions), handler.LogoutAll)
	return app, sessions
}

// fakeAuthFromSession injects the locals for the single session in the store,
// standing in for token validation.
func fakeAuthFromSession(store *fakeSessionStore) fiber.Handler {
	return func(c fiber.Ctx) error {
		for id, sess := range store.sessions {
			c.Locals("userID", sess.UserID)
			c.Locals("sessionID", id)
			break
		}
		return c.Next()
	}
}

type sessionBody struct {
	User   user.User       `json:"user"`
	Tokens *auth.TokenPair `json:"tokens"`
}

func register(t *testing.T, app *fiber.App) sessionBody {
	t.Helper()
	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/register",
		`{"email":"alice@example.com","username":"alice","password":"strongpassword"}`))
	body := readBody(t, resp)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("register status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var sb sessionBody
	if err := json.Unmarshal(parseSuccess(t, body).Data, &sb); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	return sb
}

func TestRegister_ReturnsUserAndTokens(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t, &fakePublisher{})

	sb := register(t, app)
	if sb.User.Username != "alice" {
		t.Errorf("username = %q, want alice", sb.User.Username)
	}
	if sb.Tokens == nil || sb.Tokens.AccessToken == "" || sb.Tokens.RefreshToken == "" {
		t.Error("token pair incomplete")
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t, &fakePublisher{})
	register(t, app)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/register",
		`{"email":"alice@example.com","username":"other","password":"strongpassword"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusConflict)
	}
	if env := parseError(t, body); env.Error.Code != string(apierrors.EmailTaken) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.EmailTaken)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t, &fakePublisher{})
	register(t, app)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/login",
		`{"email":"alice@example.com","password":"not-the-password"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
	if env := parseError(t, body); env.Error.Code != string(apierrors.InvalidCredentials) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.InvalidCredentials)
	}
}

func TestRefresh_RotatesToken(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t, &fakePublisher{})
	sb := register(t, app)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/refresh",
		`{"refresh_token":"`+sb.Tokens.RefreshToken+`"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var pair auth.TokenPair
	if err := json.Unmarshal(parseSuccess(t, body).Data, &pair); err != nil {
		t.Fatalf("unmarshal token pair: %v", err)
	}
	if pair.RefreshToken == sb.Tokens.RefreshToken {
		t.Error("refresh token not rotated")
	}

	// The consumed token must not work a second time.
	resp = doReq(t, app, jsonReq(http.MethodPost, "/auth/refresh",
		`{"refresh_token":"`+sb.Tokens.RefreshToken+`"}`))
	readBody(t, resp)
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("replayed refresh status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
	}
}

func TestLogout_RevokesSessionAndPublishes(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	app, sessions := testAuthApp(t, pub)
	register(t, app)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/auth/logout", ""))
	readBody(t, resp)

	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	for id := range sessions.sessions {
		active, _ := sessions.IsActive(context.Background(), id)
		if active {
			t.Error("session still active after logout")
		}
	}
	if evt := pub.lastEvent(t); evt.Type != bus.TypeSessionRevoked {
		t.Errorf("event type = %q, want %q", evt.Type, bus.TypeSessionRevoked)
	}
}
