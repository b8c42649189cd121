package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

const (
	// DefaultCacheTTL bounds staleness when invalidation events are delayed
	// or lost.
	DefaultCacheTTL = 60 * time.Second

	// cachePrefix is the key prefix for cached permission bitsets.
	cachePrefix = "perm"

	// scanBatchSize is the number of keys retrieved per SCAN iteration.
	scanBatchSize = 100
)

func cacheKey(guildID, channelID, userID snowflake.ID) string {
	return cachePrefix + ":" + guildID.String() + ":" + channelID.String() + ":" + userID.String()
}

// Cache provides get/set operations for computed permission bitsets plus the
// scoped deletes the invalidation protocol needs. Keys are
// (guild, channel, user); guild-level entries use GuildScope as the channel.
type Cache interface {
	Get(ctx context.Context, guildID, channelID, userID snowflake.ID) (Bits, bool, error)
	Set(ctx context.Context, guildID, channelID, userID snowflake.ID, bits Bits) error
	GetMany(ctx context.Context, guildID, userID snowflake.ID, channelIDs []snowflake.ID) (map[snowflake.ID]Bits, error)
	SetMany(ctx context.Context, guildID, userID snowflake.ID, values map[snowflake.ID]Bits) error
	DeleteGuild(ctx context.Context, guildID snowflake.ID) error
	DeleteGuildUser(ctx context.Context, guildID, userID snowflake.ID) error
	DeleteChannel(ctx context.Context, guildID, channelID snowflake.ID) error
}

// ValkeyCache implements Cache on Valkey/Redis.
type ValkeyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewValkeyCache creates a Valkey-backed permission cache. A non-positive
// ttl falls back to DefaultCacheTTL.
func NewValkeyCache(client *redis.Client, ttl time.Duration) *ValkeyCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ValkeyCache{client: client, ttl: ttl}
}

func (c *ValkeyCache) Get(ctx context.Context, guildID, channelID, userID snowflake.ID) (Bits, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(guildID, channelID, userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache get: %w", err)
	}

	bits, err := ParseBits(val)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached permission: %w", err)
	}
	return bits, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, guildID, channelID, userID snowflake.ID, bits Bits) error {
	if err := c.client.Set(ctx, cacheKey(guildID, channelID, userID), bits.String(), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// GetMany fetches entries for several channels of one guild in a single MGET.
func (c *ValkeyCache) GetMany(ctx context.Context, guildID, userID snowflake.ID, channelIDs []snowflake.ID) (map[snowflake.ID]Bits, error) {
	if len(channelIDs) == 0 {
		return map[snowflake.ID]Bits{}, nil
	}

	keys := make([]string, len(channelIDs))
	for i, channelID := range channelIDs {
		keys[i] = cacheKey(guildID, channelID, userID)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}

	found := make(map[snowflake.ID]Bits, len(channelIDs))
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		bits, err := ParseBits(s)
		if err != nil {
			continue
		}
		found[channelIDs[i]] = bits
	}
	return found, nil
}

// SetMany writes entries for several channels of one guild in one pipeline.
func (c *ValkeyCache) SetMany(ctx context.Context, guildID, userID snowflake.ID, values map[snowflake.ID]Bits) error {
	if len(values) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for channelID, bits := range values {
		pipe.Set(ctx, cacheKey(guildID, channelID, userID), bits.String(), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache pipeline set: %w", err)
	}
	return nil
}

// DeleteGuild removes every entry for the guild, all channels and users.
func (c *ValkeyCache) DeleteGuild(ctx context.Context, guildID snowflake.ID) error {
	return c.scanAndDelete(ctx, cachePrefix+":"+guildID.String()+":*")
}

// DeleteGuildUser removes the user's entries across all channels of the
// guild, including the guild-scope entry.
func (c *ValkeyCache) DeleteGuildUser(ctx context.Context, guildID, userID snowflake.ID) error {
	return c.scanAndDelete(ctx, cachePrefix+":"+guildID.String()+":*:"+userID.String())
}

// DeleteChannel removes every user's entry for one channel.
func (c *ValkeyCache) DeleteChannel(ctx context.Context, guildID, channelID snowflake.ID) error {
	return c.scanAndDelete(ctx, cachePrefix+":"+guildID.String()+":"+channelID.String()+":*")
}

func (c *ValkeyCache) scanAndDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
