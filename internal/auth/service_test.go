package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

type fakeSessions struct {
	byHash map[string]*Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byHash: make(map[string]*Session)}
}

func (f *fakeSessions) Create(_ context.Context, userID snowflake.ID, tokenHash string, expiresAt time.Time) (*Session, error) {
	sess := &Session{ID: uuid.New(), UserID: userID, CreatedAt: time.Now(), ExpiresAt: expiresAt}
	f.byHash[tokenHash] = sess
	return sess, nil
}

func (f *fakeSessions) IsActive(_ context.Context, sessionID uuid.UUID) (bool, error) {
	for _, sess := range f.byHash {
		if sess.ID == sessionID && sess.RevokedAt == nil && sess.ExpiresAt.After(time.Now()) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) Rotate(_ context.Context, oldHash, newHash string, expiresAt time.Time) (*Session, error) {
	sess, ok := f.byHash[oldHash]
	if !ok || sess.RevokedAt != nil || !sess.ExpiresAt.After(time.Now()) {
		return nil, ErrRefreshTokenInvalid
	}
	delete(f.byHash, oldHash)
	sess.ExpiresAt = expiresAt
	sess.LastUsedAt = time.Now()
	f.byHash[newHash] = sess
	return sess, nil
}

func (f *fakeSessions) Revoke(_ context.Context, sessionID uuid.UUID, userID snowflake.ID) error {
	for _, sess := range f.byHash {
		if sess.ID == sessionID && sess.UserID == userID && sess.RevokedAt == nil {
			now := time.Now()
			sess.RevokedAt = &now
			return nil
		}
	}
	return ErrSessionNotFound
}

func (f *fakeSessions) RevokeAll(_ context.Context, userID snowflake.ID) (int, error) {
	var n int
	now := time.Now()
	for _, sess := range f.byHash {
		if sess.UserID == userID && sess.RevokedAt == nil {
			sess.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

type fakeUsers struct {
	byEmail map[string]*user.Credentials
	created []user.CreateParams
}

func (f *fakeUsers) Create(_ context.Context, params user.CreateParams) (*user.User, error) {
	if _, ok := f.byEmail[params.Email]; ok {
		return nil, user.ErrEmailTaken
	}
	f.created = append(f.created, params)
	u := &user.User{ID: params.ID, Email: params.Email, Username: params.Username, CreatedAt: time.Now()}
	f.byEmail[params.Email] = &user.Credentials{User: *u, PasswordHash: params.PasswordHash}
	return u, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id snowflake.ID) (*user.User, error) {
	for _, creds := range f.byEmail {
		if creds.ID == id {
			u := creds.User
			return &u, nil
		}
	}
	return nil, user.ErrNotFound
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*user.Credentials, error) {
	creds, ok := f.byEmail[email]
	if !ok {
		return nil, user.ErrNotFound
	}
	return creds, nil
}

type capturedEvent struct {
	t        bus.Type
	entityID snowflake.ID
}

type fakePublisher struct {
	events []capturedEvent
}

func (f *fakePublisher) Publish(_ context.Context, t bus.Type, entityID snowflake.ID, _ any) error {
	f.events = append(f.events, capturedEvent{t: t, entityID: entityID})
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Argon2Memory:      8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
		JWTSecret:         "test-secret-key-for-jwt-at-least-32b",
		JWTAccessTTL:      15 * time.Minute,
		RefreshTTL:        720 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *fakeUsers, *fakeSessions, *fakePublisher) {
	t.Helper()

	gen, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	users := &fakeUsers{byEmail: make(map[string]*user.Credentials)}
	sessions := newFakeSessions()
	pub := &fakePublisher{}
	svc := NewService(users, sessions, pub, gen, testConfig(), zerolog.Nop())
	return svc, users, sessions, pub
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	svc, users, _, _ := newTestService(t)
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "Gopher@Example.COM", "gopher", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Email != "gopher@example.com" {
		t.Errorf("Register() email = %q, want normalized lowercase", u.Email)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Register() returned empty token pair")
	}
	if users.created[0].PasswordHash == "hunter2hunter2" {
		t.Fatal("Register() stored the plaintext password")
	}

	u2, pair2, err := svc.Login(ctx, "gopher@example.com", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if u2.ID != u.ID {
		t.Errorf("Login() user id = %v, want %v", u2.ID, u.ID)
	}
	if pair2.RefreshToken == pair.RefreshToken {
		t.Error("Login() reissued the registration refresh token")
	}

	claims, err := ValidateAccessToken(pair2.AccessToken, testConfig().JWTSecret)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	gotUser, _ := claims.UserID()
	if gotUser != u.ID {
		t.Errorf("access token subject = %v, want %v", gotUser, u.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "a@b.co", "gopher", "hunter2hunter2"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, _, err := svc.Login(ctx, "a@b.co", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() with wrong password = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@b.co", "hunter2hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() with unknown email = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, pair, err := svc.Register(ctx, "a@b.co", "gopher", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Error("Refresh() did not rotate the refresh token")
	}

	// The consumed token must be dead: replaying it is the theft signal.
	if _, err := svc.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("Refresh() with consumed token = %v, want ErrRefreshTokenInvalid", err)
	}

	if _, err := svc.Refresh(ctx, "garbage"); !errors.Is(err, ErrRefreshTokenInvalid) {
		t.Errorf("Refresh() with unknown token = %v, want ErrRefreshTokenInvalid", err)
	}
}

func TestLogoutPublishesRevocation(t *testing.T) {
	t.Parallel()

	svc, _, sessions, pub := newTestService(t)
	ctx := context.Background()

	u, pair, err := svc.Register(ctx, "a@b.co", "gopher", "hunter2hunter2")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	claims, err := ValidateAccessToken(pair.AccessToken, testConfig().JWTSecret)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	sessionID, _ := claims.Session()

	if err := svc.Logout(ctx, u.ID, sessionID); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if active, _ := sessions.IsActive(ctx, sessionID); active {
		t.Error("session still active after Logout()")
	}
	if len(pub.events) != 1 || pub.events[0].t != bus.TypeSessionRevoked {
		t.Fatalf("Logout() events = %v, want one session.revoked", pub.events)
	}
	if pub.events[0].entityID != u.ID {
		t.Errorf("session.revoked entity = %v, want user id %v", pub.events[0].entityID, u.ID)
	}

	if err := svc.LogoutAll(ctx, u.ID); err != nil {
		t.Fatalf("LogoutAll() error = %v", err)
	}
	if len(pub.events) != 2 || pub.events[1].t != bus.TypeSessionsRevokedAll {
		t.Fatalf("LogoutAll() events = %v, want sessions.revoked_all", pub.events)
	}
}
