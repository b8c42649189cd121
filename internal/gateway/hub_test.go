package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/auth"
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func testHubConfig() *config.Config {
	return &config.Config{
		JWTSecret:                testJWTSecret,
		GatewayHeartbeatInterval: 45 * time.Second,
		GatewayHeartbeatTimeout:  90 * time.Second,
		GatewayIdentifyTimeout:   30 * time.Second,
		GatewaySendQueue:         64,
		GatewayDispatchRate:      60,
		GatewayReplayWindow:      5 * time.Minute,
		GatewayReplayLimit:       100,
		GatewayMaxConnections:    16,
	}
}

type fakeSessionChecker struct{ active bool }

func (f *fakeSessionChecker) IsActive(context.Context, uuid.UUID) (bool, error) {
	return f.active, nil
}

type fakeUserRepo struct{ u *user.User }

func (f *fakeUserRepo) Create(context.Context, user.CreateParams) (*user.User, error) {
	return nil, errors.New("not used")
}

func (f *fakeUserRepo) GetByID(_ context.Context, id snowflake.ID) (*user.User, error) {
	if f.u == nil || f.u.ID != id {
		return nil, user.ErrNotFound
	}
	return f.u, nil
}

func (f *fakeUserRepo) GetByEmail(context.Context, string) (*user.Credentials, error) {
	return nil, errors.New("not used")
}

type fakeGuildRepo struct{ guilds []guild.Guild }

func (f *fakeGuildRepo) Create(context.Context, guild.CreateParams) (*guild.Guild, error) {
	return nil, errors.New("not used")
}

func (f *fakeGuildRepo) GetByID(context.Context, snowflake.ID) (*guild.Guild, error) {
	return nil, errors.New("not used")
}

func (f *fakeGuildRepo) ListForUser(context.Context, snowflake.ID) ([]guild.Guild, error) {
	return f.guilds, nil
}

func (f *fakeGuildRepo) Update(context.Context, snowflake.ID, guild.UpdateParams) (*guild.Guild, error) {
	return nil, errors.New("not used")
}

func (f *fakeGuildRepo) Delete(context.Context, snowflake.ID) error {
	return errors.New("not used")
}

// fetcherFunc adapts a function to the Fetcher interface.
type fetcherFunc func(ctx context.Context, subject string, since time.Time, limit int) ([]bus.Event, error)

func (f fetcherFunc) Fetch(ctx context.Context, subject string, since time.Time, limit int) ([]bus.Event, error) {
	return f(ctx, subject, since, limit)
}

func TestEnqueueAfterCloseSendDropsFrame(t *testing.T) {
	t.Parallel()

	c := &Client{send: make(chan []byte, 4), log: zerolog.Nop()}
	c.closeSend(websocket.CloseGoingAway, "")

	// Must not panic: the dispatcher can resolve a client just before it
	// unregisters and enqueue after the channel has closed.
	c.enqueue([]byte(`{"op":2}`))
}

func TestEnqueueRacesCloseSend(t *testing.T) {
	t.Parallel()

	c := &Client{send: make(chan []byte, 64), log: zerolog.Nop()}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.enqueue([]byte(`{"op":2}`))
		}()
	}
	c.closeSend(websocket.CloseGoingAway, "")
	wg.Wait()
}

func TestCloseSendFirstCallerWins(t *testing.T) {
	t.Parallel()

	c := &Client{send: make(chan []byte, 4), log: zerolog.Nop()}
	c.closeSend(CloseAuthFailed, "identify timeout")
	c.closeSend(websocket.CloseGoingAway, "server shutting down")

	if c.goodbyeCode != CloseAuthFailed || c.goodbyeReason != "identify timeout" {
		t.Errorf("goodbye = %d %q, want %d %q",
			c.goodbyeCode, c.goodbyeReason, CloseAuthFailed, "identify timeout")
	}
}

func TestIdentifyTimeoutSendsInvalidSession(t *testing.T) {
	t.Parallel()

	c := &Client{send: make(chan []byte, 4), log: zerolog.Nop()}
	c.identifyTimedOut()

	raw, ok := <-c.send
	if !ok {
		t.Fatal("send channel closed before INVALID_SESSION was queued")
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Op != OpcodeInvalidSession {
		t.Errorf("frame op = %d, want %d", frame.Op, OpcodeInvalidSession)
	}

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after identify timeout")
	}
	if c.goodbyeCode != CloseAuthFailed {
		t.Errorf("goodbye code = %d, want %d", c.goodbyeCode, CloseAuthFailed)
	}
}

func TestShutdownQueuesReconnectBeforeClose(t *testing.T) {
	t.Parallel()

	cfg := testHubConfig()
	hub := NewHub(cfg, &fakeSessionChecker{active: true}, nil, &fakeUserRepo{}, &fakeGuildRepo{},
		newTestIndex(t), NewReplayer(&fakeFetcher{}, cfg.GatewayReplayWindow, cfg.GatewayReplayLimit), zerolog.Nop())

	client := newClient(hub, nil, zerolog.Nop())
	client.bind(snowflake.ID(77), uuid.New())
	if err := hub.register(client); err != nil {
		t.Fatalf("register() error = %v", err)
	}

	hub.Shutdown()

	// RECONNECT must be in the queue ahead of the close so the write pump
	// flushes it before the connection goes away.
	raw, ok := <-client.send
	if !ok {
		t.Fatal("send channel closed before RECONNECT was queued")
	}
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Op != OpcodeReconnect {
		t.Errorf("frame op = %d, want %d", frame.Op, OpcodeReconnect)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel still open after shutdown")
	}
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() after shutdown = %d, want 0", got)
	}
}

func TestIdentifyBindsSubscriptionsBeforeReplay(t *testing.T) {
	t.Parallel()

	userID := snowflake.ID(77)
	guildID := snowflake.ID(200)
	sessionID := uuid.New()
	subs := newTestIndex(t)

	var (
		clientID uuid.UUID
		fetches  int
	)
	fetcher := fetcherFunc(func(ctx context.Context, _ string, _ time.Time, _ int) ([]bus.Event, error) {
		fetches++
		conns, err := subs.GuildConnections(ctx, guildID)
		if err != nil {
			t.Errorf("GuildConnections() error: %v", err)
		}
		if !containsConn(conns, clientID) {
			t.Error("connection not in the subscription index during replay: events published while replaying would be lost")
		}
		return nil, nil
	})

	cfg := testHubConfig()
	hub := NewHub(
		cfg,
		&fakeSessionChecker{active: true},
		nil,
		&fakeUserRepo{u: &user.User{ID: userID, Username: "tester"}},
		&fakeGuildRepo{guilds: []guild.Guild{{ID: guildID, Name: "hq", OwnerID: userID}}},
		subs,
		NewReplayer(fetcher, cfg.GatewayReplayWindow, cfg.GatewayReplayLimit),
		zerolog.Nop(),
	)

	client := newClient(hub, nil, zerolog.Nop())
	clientID = client.id

	token, err := auth.NewAccessToken(userID, sessionID, cfg.JWTSecret, time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken() error: %v", err)
	}

	marker := uuid.New()
	hub.handleIdentify(client, identifyData{Token: token, LastEventID: &marker})

	if fetches == 0 {
		t.Fatal("replay never fetched")
	}
	if !client.IsIdentified() {
		t.Error("client not identified")
	}
	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount() = %d, want 1", got)
	}
}
