package permission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// GuildScope is the channel component of cache keys for guild-level results.
// Zero is never a generated snowflake, so it cannot collide with a channel.
const GuildScope snowflake.ID = 0

// Engine computes effective permissions for a user in a channel.
type Engine struct {
	store Store
	cache Cache
	log   zerolog.Logger
}

// NewEngine creates a permission engine backed by the given store and cache.
func NewEngine(store Store, cache Cache, logger zerolog.Logger) *Engine {
	return &Engine{store: store, cache: cache, log: logger}
}

// Compute returns the effective permissions for a user in a channel, using
// the cache when available. Cache failures degrade to direct computation.
func (e *Engine) Compute(ctx context.Context, userID, channelID snowflake.ID) (Bits, error) {
	info, err := e.store.ChannelInfo(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("resolve channel: %w", err)
	}

	bits, ok, err := e.cache.Get(ctx, info.GuildID, channelID, userID)
	if err != nil {
		e.log.Warn().Err(err).Msg("permission cache get failed, computing directly")
	}
	if ok {
		return bits, nil
	}

	base, roleIDs, err := e.base(ctx, info.GuildID, userID)
	if err != nil {
		return 0, err
	}

	effective := base
	// A nil role set signals the owner or administrator short-circuit;
	// overwrites never apply to them.
	if roleIDs != nil {
		overwrites, err := e.store.Overwrites(ctx, channelID)
		if err != nil {
			return 0, fmt.Errorf("load overwrites: %w", err)
		}
		effective = applyOverwrites(base, overwrites, info.GuildID, roleIDs, userID)
	}

	if cacheErr := e.cache.Set(ctx, info.GuildID, channelID, userID, effective); cacheErr != nil {
		e.log.Warn().Err(cacheErr).Msg("permission cache set failed")
	}
	return effective, nil
}

// Has reports whether the user holds the given permission in the channel.
func (e *Engine) Has(ctx context.Context, userID, channelID snowflake.ID, bit Bits) (bool, error) {
	effective, err := e.Compute(ctx, userID, channelID)
	if err != nil {
		return false, err
	}
	return effective.Has(bit), nil
}

// ComputeGuild returns the user's guild-level permissions: the owner and
// administrator short-circuits plus the role union, without channel
// overwrites. Guild-level results are cached under the GuildScope channel.
func (e *Engine) ComputeGuild(ctx context.Context, userID, guildID snowflake.ID) (Bits, error) {
	bits, ok, err := e.cache.Get(ctx, guildID, GuildScope, userID)
	if err != nil {
		e.log.Warn().Err(err).Msg("permission cache get failed, computing directly")
	}
	if ok {
		return bits, nil
	}

	base, _, err := e.base(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}

	if cacheErr := e.cache.Set(ctx, guildID, GuildScope, userID, base); cacheErr != nil {
		e.log.Warn().Err(cacheErr).Msg("permission cache set failed")
	}
	return base, nil
}

// HasGuild reports whether the user holds the given guild-level permission.
func (e *Engine) HasGuild(ctx context.Context, userID, guildID snowflake.ID, bit Bits) (bool, error) {
	effective, err := e.ComputeGuild(ctx, userID, guildID)
	if err != nil {
		return false, err
	}
	return effective.Has(bit), nil
}

// FilterHas reports, per channel, whether the user holds the given
// permission. All channels must belong to guildID. The owner check and role
// union run once; overwrites are applied per channel, with a bulk cache
// round trip for hits and misses.
func (e *Engine) FilterHas(ctx context.Context, userID, guildID snowflake.ID, channelIDs []snowflake.ID, bit Bits) ([]bool, error) {
	base, roleIDs, err := e.base(ctx, guildID, userID)
	if err != nil {
		return nil, err
	}

	result := make([]bool, len(channelIDs))
	if roleIDs == nil {
		for i := range result {
			result[i] = true
		}
		return result, nil
	}

	cached, cacheErr := e.cache.GetMany(ctx, guildID, userID, channelIDs)
	if cacheErr != nil {
		e.log.Warn().Err(cacheErr).Msg("permission cache batch get failed, computing directly")
		cached = nil
	}

	toCache := make(map[snowflake.ID]Bits)
	for i, channelID := range channelIDs {
		if effective, ok := cached[channelID]; ok {
			result[i] = effective.Has(bit)
			continue
		}

		overwrites, err := e.store.Overwrites(ctx, channelID)
		if err != nil {
			return nil, fmt.Errorf("load overwrites: %w", err)
		}
		effective := applyOverwrites(base, overwrites, guildID, roleIDs, userID)
		result[i] = effective.Has(bit)
		toCache[channelID] = effective
	}

	if len(toCache) > 0 {
		if setErr := e.cache.SetMany(ctx, guildID, userID, toCache); setErr != nil {
			e.log.Warn().Err(setErr).Msg("permission cache batch set failed")
		}
	}
	return result, nil
}

// base performs the owner bypass and role union. When the user is the owner
// or the union contains ADMINISTRATOR it returns AllBits with a nil role set
// as the short-circuit signal.
func (e *Engine) base(ctx context.Context, guildID, userID snowflake.ID) (Bits, map[snowflake.ID]struct{}, error) {
	owner, err := e.store.GuildOwner(ctx, guildID)
	if err != nil {
		return 0, nil, fmt.Errorf("resolve guild owner: %w", err)
	}
	if owner == userID {
		return AllBits, nil, nil
	}

	entries, err := e.store.MemberRoles(ctx, guildID, userID)
	if err != nil {
		return 0, nil, fmt.Errorf("load member roles: %w", err)
	}

	var base Bits
	roleIDs := make(map[snowflake.ID]struct{}, len(entries))
	for _, entry := range entries {
		base |= entry.Permissions
		roleIDs[entry.RoleID] = struct{}{}
	}

	if base.Has(Administrator) {
		return AllBits, nil, nil
	}
	return base, roleIDs, nil
}

// applyOverwrites applies the three overwrite layers to a base bitset: the
// @everyone overwrite (role id equals guild id), the member's other role
// overwrites aggregated as a single allow/deny union, then the
// member-specific overwrite. Every layer is P = (P &^ deny) | allow.
func applyOverwrites(base Bits, overwrites []Overwrite, guildID snowflake.ID, memberRoles map[snowflake.ID]struct{}, userID snowflake.ID) Bits {
	var everyone, member *Overwrite
	var roleAllow, roleDeny Bits

	for i := range overwrites {
		o := &overwrites[i]
		switch {
		case o.TargetType == TargetRole && o.TargetID == guildID:
			everyone = o
		case o.TargetType == TargetRole:
			if _, held := memberRoles[o.TargetID]; held {
				roleAllow |= o.Allow
				roleDeny |= o.Deny
			}
		case o.TargetType == TargetMember && o.TargetID == userID:
			member = o
		}
	}

	if everyone != nil {
		base = (base &^ everyone.Deny) | everyone.Allow
	}
	base = (base &^ roleDeny) | roleAllow
	if member != nil {
		base = (base &^ member.Deny) | member.Allow
	}
	return base
}
