package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/auth"
	"github.com/accord-chat/accord-server/internal/config"
	"github.com/accord-chat/accord-server/internal/guild"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

const readyEventType = "READY"

// Hub is the per-instance WebSocket connection registry. It owns the
// identify flow and the local half of the subscription index; the Dispatcher
// feeds it bus events to fan out.
type Hub struct {
	clients map[uuid.UUID]*Client
	mu      sync.RWMutex

	cfg      *config.Config
	sessions auth.SessionChecker
	engine   *permission.Engine
	users    user.Repository
	guilds   guild.Repository
	subs     *SubscriptionIndex
	replayer *Replayer
	log      zerolog.Logger
}

// NewHub creates a gateway hub.
func NewHub(
	cfg *config.Config,
	sessions auth.SessionChecker,
	engine *permission.Engine,
	users user.Repository,
	guilds guild.Repository,
	subs *SubscriptionIndex,
	replayer *Replayer,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		clients:  make(map[uuid.UUID]*Client),
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		users:    users,
		guilds:   guilds,
		subs:     subs,
		replayer: replayer,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// ServeWebSocket initialises a new client for an upgraded WebSocket
// connection. It sends the HELLO frame and starts the client's read and
// write pumps.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	client := newClient(h, conn, h.log)

	hello, err := NewHelloFrame(h.cfg.GatewayHeartbeatInterval.Milliseconds())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build hello frame")
		_ = conn.Close()
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		h.log.Debug().Err(err).Msg("failed to send hello frame")
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.cfg.GatewayMaxConnections {
		return ErrMaxConnections
	}
	h.clients[client.id] = client
	h.log.Debug().Stringer("user_id", client.UserID()).Int("total", len(h.clients)).Msg("client registered")
	return nil
}

// unregister removes a client from the hub and clears its subscriptions.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if !ok || current != client {
		h.mu.Unlock()
		client.closeSend(websocket.CloseGoingAway, "")
		return
	}
	delete(h.clients, client.id)
	h.mu.Unlock()

	client.closeSend(websocket.CloseGoingAway, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.subs.Remove(ctx, client.id); err != nil {
		h.log.Warn().Err(err).Stringer("conn_id", client.id).Msg("failed to clear subscriptions")
	}

	h.log.Debug().Stringer("user_id", client.UserID()).Msg("client unregistered")
}

// handleIdentify authenticates a connection, binds its identity, subscribes
// it to every guild the user belongs to, sends READY, and optionally replays
// missed events. The connection joins the subscription index before replay
// runs so no event falls between the replay window and live dispatch; an
// event landing in both is deduplicated by the client on its envelope id.
func (h *Hub) handleIdentify(client *Client, id identifyData) {
	claims, err := auth.ValidateAccessToken(id.Token, h.cfg.JWTSecret)
	if err != nil {
		h.log.Debug().Err(err).Msg("identify token validation failed")
		client.closeWithCode(CloseAuthFailed, "invalid token")
		return
	}

	userID, err := claims.UserID()
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token subject")
		return
	}
	sessionID, err := claims.Session()
	if err != nil {
		client.closeWithCode(CloseAuthFailed, "invalid token session")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := h.sessions.IsActive(ctx, sessionID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("session liveness check failed")
		client.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}
	if !active {
		client.closeWithCode(CloseAuthFailed, "session revoked or expired")
		return
	}

	u, err := h.users.GetByID(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("failed to load user for ready")
		client.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	memberships, err := h.guilds.ListForUser(ctx, userID)
	if err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("failed to list guilds for ready")
		client.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}
	guildIDs := make([]snowflake.ID, len(memberships))
	for i := range memberships {
		guildIDs[i] = memberships[i].ID
	}

	client.bind(userID, sessionID)

	if err := h.register(client); err != nil {
		h.log.Warn().Err(err).Msg("failed to register client")
		client.closeWithCode(websocket.CloseTryAgainLater, "server full")
		return
	}

	ready, err := json.Marshal(readyData{SessionID: sessionID, User: u, GuildIDs: guildIDs})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal ready payload")
		return
	}
	frame, err := NewLocalDispatchFrame(client.nextSeq(), readyEventType, ready)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to build ready frame")
		return
	}
	client.enqueue(frame)

	if err := h.subs.Bind(ctx, client.id, userID, guildIDs); err != nil {
		h.log.Error().Err(err).Stringer("user_id", userID).Msg("failed to bind subscriptions")
		client.closeWithCode(websocket.CloseInternalServerErr, "internal error")
		return
	}

	if id.LastEventID != nil {
		h.replay(ctx, client, *id.LastEventID, guildIDs)
	}

	h.log.Info().Stringer("user_id", userID).Stringer("session_id", sessionID).
		Int("guilds", len(guildIDs)).Msg("client identified")
}

// replay reconstructs events the client missed and enqueues them as
// dispatches. When the window cannot cover the gap the client gets
// RESYNC_REQUIRED instead.
func (h *Hub) replay(ctx context.Context, client *Client, marker uuid.UUID, guildIDs []snowflake.ID) {
	scopes := make([][]string, len(guildIDs))
	for i, guildID := range guildIDs {
		scopes[i] = GuildScope(guildID)
	}

	events, resync, err := h.replayer.Replay(ctx, marker, scopes)
	if err != nil {
		h.log.Warn().Err(err).Msg("replay fetch failed")
		resync = true
	}
	if resync {
		if frame, fErr := NewResyncRequiredFrame(resyncReasonWindowExceeded); fErr == nil {
			client.enqueue(frame)
		}
		return
	}

	replayed := 0
	for _, evt := range events {
		wire, ok := WireType(evt.Type)
		if !ok {
			continue
		}
		frame, fErr := NewDispatchFrame(client.nextSeq(), wire, evt.ID, evt.Data)
		if fErr != nil {
			h.log.Warn().Err(fErr).Msg("failed to build replay frame")
			continue
		}
		client.enqueue(frame)
		replayed++
	}
	if replayed > 0 {
		h.log.Debug().Int("replayed", replayed).Stringer("user_id", client.UserID()).Msg("replayed missed events")
	}
}

// handleSubscribe adds a channel subscription after a VIEW_CHANNEL check.
// Failures are logged and ignored: the client simply receives no events for
// the channel.
func (h *Hub) handleSubscribe(client *Client, channelID snowflake.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	allowed, err := h.engine.Has(ctx, client.UserID(), channelID, permission.ViewChannel)
	if err != nil {
		h.log.Debug().Err(err).Stringer("channel_id", channelID).Msg("subscribe permission check failed")
		return
	}
	if !allowed {
		h.log.Debug().Stringer("user_id", client.UserID()).Stringer("channel_id", channelID).
			Msg("subscribe denied")
		return
	}

	if err := h.subs.SubscribeChannel(ctx, client.id, channelID); err != nil {
		h.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("failed to subscribe channel")
	}
}

func (h *Hub) handleUnsubscribe(client *Client, channelID snowflake.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.subs.UnsubscribeChannel(ctx, client.id, channelID); err != nil {
		h.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("failed to unsubscribe channel")
	}
}

// client returns the local client for a connection id.
func (h *Hub) client(connID uuid.UUID) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[connID]
	return c, ok
}

// closeSessions closes every local connection bound to the user, or only
// those bound to the given session when sessionID is non-nil.
func (h *Hub) closeSessions(userID snowflake.ID, sessionID *uuid.UUID) {
	h.mu.RLock()
	var matched []*Client
	for _, c := range h.clients {
		if !c.IsIdentified() || c.UserID() != userID {
			continue
		}
		if sessionID != nil && c.SessionID() != *sessionID {
			continue
		}
		matched = append(matched, c)
	}
	h.mu.RUnlock()

	for _, c := range matched {
		c.closeWithCode(CloseSessionInvalidated, "session invalidated")
		h.unregister(c)
	}
}

// Shutdown gracefully closes all active connections with a RECONNECT frame
// followed by a Going Away close. Each client's write pump drains its queue
// before delivering the close frame, so the RECONNECT is not lost.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for connID, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, connID)
	}
	h.mu.Unlock()

	reconnect, _ := NewReconnectFrame()
	for _, client := range clients {
		if reconnect != nil {
			client.enqueue(reconnect)
		}
		client.closeSend(websocket.CloseGoingAway, "server shutting down")
	}
	h.log.Info().Msg("gateway hub shut down")
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
