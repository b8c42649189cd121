package gateway

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// SubscriptionIndex maps delivery scopes to connection ids in Redis so every
// gateway instance shares one view of who is subscribed to what. Guild and
// channel sets drive dispatch fan-out; the user set exists so membership
// events can adjust subscriptions for all of a user's connections; the
// reverse per-connection set makes disconnect cleanup a single pass.
type SubscriptionIndex struct {
	rdb *redis.Client
}

// NewSubscriptionIndex creates a subscription index backed by the given
// Redis client.
func NewSubscriptionIndex(rdb *redis.Client) *SubscriptionIndex {
	return &SubscriptionIndex{rdb: rdb}
}

func guildKey(id snowflake.ID) string   { return "sub:guild:" + id.String() }
func channelKey(id snowflake.ID) string { return "sub:chan:" + id.String() }
func userKey(id snowflake.ID) string    { return "sub:user:" + id.String() }
func connKey(id uuid.UUID) string       { return "sub:conn:" + id.String() }

// Bind records the user owning a connection and subscribes the connection to
// each of the given guilds in one pipeline.
func (s *SubscriptionIndex) Bind(ctx context.Context, connID uuid.UUID, userID snowflake.ID, guildIDs []snowflake.ID) error {
	conn := connID.String()
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, userKey(userID), conn)
	pipe.SAdd(ctx, connKey(connID), userKey(userID))
	for _, guildID := range guildIDs {
		pipe.SAdd(ctx, guildKey(guildID), conn)
		pipe.SAdd(ctx, connKey(connID), guildKey(guildID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bind connection: %w", err)
	}
	return nil
}

// SubscribeGuild adds a connection to a guild scope.
func (s *SubscriptionIndex) SubscribeGuild(ctx context.Context, connID uuid.UUID, guildID snowflake.ID) error {
	return s.subscribe(ctx, connID, guildKey(guildID))
}

// UnsubscribeGuild removes a connection from a guild scope.
func (s *SubscriptionIndex) UnsubscribeGuild(ctx context.Context, connID uuid.UUID, guildID snowflake.ID) error {
	return s.unsubscribe(ctx, connID, guildKey(guildID))
}

// SubscribeChannel adds a connection to a channel scope.
func (s *SubscriptionIndex) SubscribeChannel(ctx context.Context, connID uuid.UUID, channelID snowflake.ID) error {
	return s.subscribe(ctx, connID, channelKey(channelID))
}

// UnsubscribeChannel removes a connection from a channel scope.
func (s *SubscriptionIndex) UnsubscribeChannel(ctx context.Context, connID uuid.UUID, channelID snowflake.ID) error {
	return s.unsubscribe(ctx, connID, channelKey(channelID))
}

func (s *SubscriptionIndex) subscribe(ctx context.Context, connID uuid.UUID, key string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, connID.String())
	pipe.SAdd(ctx, connKey(connID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	return nil
}

func (s *SubscriptionIndex) unsubscribe(ctx context.Context, connID uuid.UUID, key string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, key, connID.String())
	pipe.SRem(ctx, connKey(connID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return nil
}

// GuildConnections returns the connection ids subscribed to a guild scope.
func (s *SubscriptionIndex) GuildConnections(ctx context.Context, guildID snowflake.ID) ([]uuid.UUID, error) {
	return s.connections(ctx, guildKey(guildID))
}

// ChannelConnections returns the connection ids subscribed to a channel
// scope.
func (s *SubscriptionIndex) ChannelConnections(ctx context.Context, channelID snowflake.ID) ([]uuid.UUID, error) {
	return s.connections(ctx, channelKey(channelID))
}

// UserConnections returns every connection id belonging to a user.
func (s *SubscriptionIndex) UserConnections(ctx context.Context, userID snowflake.ID) ([]uuid.UUID, error) {
	return s.connections(ctx, userKey(userID))
}

func (s *SubscriptionIndex) connections(ctx context.Context, key string) ([]uuid.UUID, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove deletes a connection from every scope it was subscribed to,
// including its user set, and drops the reverse set.
func (s *SubscriptionIndex) Remove(ctx context.Context, connID uuid.UUID) error {
	keys, err := s.rdb.SMembers(ctx, connKey(connID)).Result()
	if err != nil {
		return fmt.Errorf("read connection scopes: %w", err)
	}

	conn := connID.String()
	pipe := s.rdb.Pipeline()
	for _, key := range keys {
		pipe.SRem(ctx, key, conn)
	}
	pipe.Del(ctx, connKey(connID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove connection: %w", err)
	}
	return nil
}
