package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Subscriber is the consume side of the bus the dispatcher needs. Satisfied
// by *bus.Bus.
type Subscriber interface {
	SubscribeAll(subject string, h bus.Handler) error
}

// Dispatcher consumes every domain event through a per-instance bus
// subscription and fans each one out to the locally connected clients that
// are subscribed to its scope. Delivery authorization is subscription
// membership; events are not permission-checked again here. Duplicate
// deliveries from the bus ride through untouched since clients deduplicate
// on the envelope id.
type Dispatcher struct {
	hub  *Hub
	subs *SubscriptionIndex
	log  zerolog.Logger
}

// NewDispatcher creates a dispatcher feeding the given hub.
func NewDispatcher(hub *Hub, subs *SubscriptionIndex, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:  hub,
		subs: subs,
		log:  logger.With().Str("component", "gateway_dispatch").Logger(),
	}
}

// Start attaches an ephemeral consumer to every event topic.
func (d *Dispatcher) Start(sub Subscriber) error {
	topics := []string{
		bus.TopicGuild,
		bus.TopicChannel,
		bus.TopicMessage,
		bus.TopicMember,
		bus.TopicRole,
		bus.TopicSession,
	}
	for _, topic := range topics {
		if err := sub.SubscribeAll(topic+".>", d.handle); err != nil {
			return fmt.Errorf("start dispatcher on %s: %w", topic, err)
		}
	}
	return nil
}

// eventRef holds the scope identifiers dispatch needs, extracted from the
// event payload. Guild-topic payloads carry the guild id as "id"; everything
// else names it "guild_id".
type eventRef struct {
	ID        snowflake.ID `json:"id"`
	GuildID   snowflake.ID `json:"guild_id"`
	ChannelID snowflake.ID `json:"channel_id"`
	UserID    snowflake.ID `json:"user_id"`
	SessionID *uuid.UUID   `json:"session_id"`
}

func (d *Dispatcher) handle(ctx context.Context, evt bus.Event) error {
	var ref eventRef
	if err := json.Unmarshal(evt.Data, &ref); err != nil {
		d.log.Warn().Err(err).Str("type", string(evt.Type)).Msg("undecodable event payload")
		return nil
	}

	switch evt.Type {
	case bus.TypeSessionRevoked, bus.TypeSessionsRevokedAll:
		d.hub.closeSessions(ref.UserID, ref.SessionID)
		return nil
	case bus.TypeMemberJoined:
		// Subscribe the new member's connections before dispatching so they
		// receive the join event itself.
		if err := d.adjustGuildSubs(ctx, ref.UserID, ref.GuildID, true); err != nil {
			return err
		}
	}

	wire, ok := WireType(evt.Type)
	if !ok {
		return nil
	}

	connIDs, err := d.scopeConnections(ctx, evt.Type, ref)
	if err != nil {
		return err
	}

	for _, connID := range connIDs {
		client, ok := d.hub.client(connID)
		if !ok {
			continue // connected to another instance
		}
		frame, fErr := NewDispatchFrame(client.nextSeq(), wire, evt.ID, evt.Data)
		if fErr != nil {
			d.log.Warn().Err(fErr).Str("type", string(evt.Type)).Msg("failed to build dispatch frame")
			continue
		}
		client.enqueue(frame)
	}

	switch evt.Type {
	case bus.TypeMemberLeft, bus.TypeMemberRemoved, bus.TypeMemberBanned:
		// Unsubscribe after dispatch so the departing member still sees the
		// event that removed them.
		if err := d.adjustGuildSubs(ctx, ref.UserID, ref.GuildID, false); err != nil {
			return err
		}
	}
	return nil
}

// scopeConnections resolves the connection ids subscribed to the event's
// delivery scope: the channel for message events, the guild for everything
// else.
func (d *Dispatcher) scopeConnections(ctx context.Context, t bus.Type, ref eventRef) ([]uuid.UUID, error) {
	topic, err := bus.Topic(t)
	if err != nil {
		return nil, err
	}

	if topic == bus.TopicMessage {
		return d.subs.ChannelConnections(ctx, ref.ChannelID)
	}

	guildID := ref.GuildID
	if topic == bus.TopicGuild {
		guildID = ref.ID
	}
	return d.subs.GuildConnections(ctx, guildID)
}

// adjustGuildSubs adds or removes the guild subscription for every
// connection the user currently holds, on any instance.
func (d *Dispatcher) adjustGuildSubs(ctx context.Context, userID, guildID snowflake.ID, add bool) error {
	connIDs, err := d.subs.UserConnections(ctx, userID)
	if err != nil {
		return err
	}
	for _, connID := range connIDs {
		if add {
			err = d.subs.SubscribeGuild(ctx, connID, guildID)
		} else {
			err = d.subs.UnsubscribeGuild(ctx, connID, guildID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
