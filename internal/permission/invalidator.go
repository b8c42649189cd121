package permission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

// InvalidatorGroup is the queue group the invalidator consumes under. All
// instances share it so each event clears the cache once per cluster.
const InvalidatorGroup = "perm-invalidator"

// Invalidator drops cached permission entries when an event changes what a
// member is allowed to do. Deletions are scoped as narrowly as the event
// allows: role and guild changes clear the guild, membership changes clear
// one member's entries, overwrite changes clear one channel. Events that
// cannot affect permissions are ignored and age out of the cache via TTL.
type Invalidator struct {
	cache Cache
	log   zerolog.Logger
}

func NewInvalidator(cache Cache, logger zerolog.Logger) *Invalidator {
	return &Invalidator{
		cache: cache,
		log:   logger.With().Str("component", "perm-invalidator").Logger(),
	}
}

// Subjects returns the subject filters the invalidator subscribes to.
func (inv *Invalidator) Subjects() []string {
	return []string{
		bus.TopicGuild + ".>",
		bus.TopicChannel + ".>",
		bus.TopicMember + ".>",
		bus.TopicRole + ".>",
	}
}

// Handle applies one event to the cache. A failed deletion returns an error
// so the event redelivers; a payload missing its ids is logged and dropped
// since redelivery cannot repair it.
func (inv *Invalidator) Handle(ctx context.Context, evt bus.Event) error {
	// Guild-topic payloads carry the guild id as "id"; everything else
	// names it "guild_id".
	var p struct {
		ID        snowflake.ID `json:"id"`
		GuildID   snowflake.ID `json:"guild_id"`
		ChannelID snowflake.ID `json:"channel_id"`
		UserID    snowflake.ID `json:"user_id"`
	}

	switch evt.Type {
	case bus.TypeRoleCreated, bus.TypeRoleUpdated, bus.TypeRoleDeleted, bus.TypeGuildDeleted:
		if !inv.decode(evt, &p) {
			return nil
		}
		guildID := p.GuildID
		if evt.Type == bus.TypeGuildDeleted {
			guildID = p.ID
		}
		if guildID == 0 {
			return nil
		}
		if err := inv.cache.DeleteGuild(ctx, guildID); err != nil {
			return fmt.Errorf("invalidate guild %s: %w", guildID, err)
		}

	case bus.TypeMemberRolesUpdated, bus.TypeMemberRemoved, bus.TypeMemberBanned, bus.TypeMemberLeft:
		if !inv.decode(evt, &p) || p.GuildID == 0 || p.UserID == 0 {
			return nil
		}
		if err := inv.cache.DeleteGuildUser(ctx, p.GuildID, p.UserID); err != nil {
			return fmt.Errorf("invalidate guild %s user %s: %w", p.GuildID, p.UserID, err)
		}

	case bus.TypeOverwriteUpdated, bus.TypeOverwriteDeleted:
		if !inv.decode(evt, &p) || p.GuildID == 0 || p.ChannelID == 0 {
			return nil
		}
		if err := inv.cache.DeleteChannel(ctx, p.GuildID, p.ChannelID); err != nil {
			return fmt.Errorf("invalidate channel %s: %w", p.ChannelID, err)
		}

	default:
		// guild.created, channel.created, member.joined and the like
		// grant rather than revoke; stale entries do not exist for them.
	}
	return nil
}

func (inv *Invalidator) decode(evt bus.Event, p any) bool {
	if err := json.Unmarshal(evt.Data, p); err != nil {
		inv.log.Error().
			Err(err).
			Str("event_id", evt.ID.String()).
			Str("type", string(evt.Type)).
			Msg("dropping event with undecodable payload")
		return false
	}
	return true
}
