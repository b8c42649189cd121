package permission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

func newTestCache(t *testing.T) (*ValkeyCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewValkeyCache(client, 0), mr
}

func TestValkeyCacheSetGet(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	want := ViewChannel | SendMessages
	if err := cache.Set(ctx, testGuildID, testChannelID, testUserID, want); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, ok, err := cache.Get(ctx, testGuildID, testChannelID, testUserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want hit")
	}
	if got != want {
		t.Errorf("Get() = %v, want %v", got, want)
	}

	// Another user's key is a distinct entry.
	_, ok, err = cache.Get(ctx, testGuildID, testChannelID, testOwnerID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("Get(other user) ok = true, want miss")
	}
}

func TestValkeyCacheMiss(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)

	_, ok, err := cache.Get(context.Background(), testGuildID, testChannelID, testUserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want miss")
	}
}

func TestValkeyCacheEntriesExpire(t *testing.T) {
	t.Parallel()

	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, testGuildID, testChannelID, testUserID, ViewChannel); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	mr.FastForward(DefaultCacheTTL + time.Second)

	_, ok, err := cache.Get(ctx, testGuildID, testChannelID, testUserID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("Get() ok = true after TTL, want miss")
	}
}

func TestValkeyCacheGetManySetMany(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	chanA, chanB, chanC := snowflake.ID(201), snowflake.ID(202), snowflake.ID(203)
	err := cache.SetMany(ctx, testGuildID, testUserID, map[snowflake.ID]Bits{
		chanA: ViewChannel,
		chanB: ViewChannel | SendMessages,
	})
	if err != nil {
		t.Fatalf("SetMany() error: %v", err)
	}

	got, err := cache.GetMany(ctx, testGuildID, testUserID, []snowflake.ID{chanA, chanB, chanC})
	if err != nil {
		t.Fatalf("GetMany() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetMany() returned %d entries, want 2", len(got))
	}
	if got[chanA] != ViewChannel {
		t.Errorf("GetMany()[%s] = %v, want %v", chanA, got[chanA], ViewChannel)
	}
	if got[chanB] != ViewChannel|SendMessages {
		t.Errorf("GetMany()[%s] = %v, want %v", chanB, got[chanB], ViewChannel|SendMessages)
	}
	if _, ok := got[chanC]; ok {
		t.Error("GetMany() returned entry for channel never set")
	}
}

func TestValkeyCacheDeleteGuild(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	otherGuild := snowflake.ID(110)
	seed := []struct {
		guild, channel, user snowflake.ID
	}{
		{testGuildID, testChannelID, testUserID},
		{testGuildID, testChannelID, testOwnerID},
		{testGuildID, GuildScope, testUserID},
		{otherGuild, 900, testUserID},
	}
	for _, s := range seed {
		if err := cache.Set(ctx, s.guild, s.channel, s.user, ViewChannel); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}

	if err := cache.DeleteGuild(ctx, testGuildID); err != nil {
		t.Fatalf("DeleteGuild() error: %v", err)
	}

	for _, s := range seed[:3] {
		if _, ok, _ := cache.Get(ctx, s.guild, s.channel, s.user); ok {
			t.Errorf("entry (%s,%s,%s) survived DeleteGuild", s.guild, s.channel, s.user)
		}
	}
	if _, ok, _ := cache.Get(ctx, otherGuild, 900, testUserID); !ok {
		t.Error("other guild's entry was deleted")
	}
}

func TestValkeyCacheDeleteGuildUser(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	for _, s := range []struct {
		channel, user snowflake.ID
	}{
		{testChannelID, testUserID},
		{GuildScope, testUserID},
		{testChannelID, testOwnerID},
	} {
		if err := cache.Set(ctx, testGuildID, s.channel, s.user, ViewChannel); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}

	if err := cache.DeleteGuildUser(ctx, testGuildID, testUserID); err != nil {
		t.Fatalf("DeleteGuildUser() error: %v", err)
	}

	if _, ok, _ := cache.Get(ctx, testGuildID, testChannelID, testUserID); ok {
		t.Error("channel entry survived DeleteGuildUser")
	}
	if _, ok, _ := cache.Get(ctx, testGuildID, GuildScope, testUserID); ok {
		t.Error("guild-scope entry survived DeleteGuildUser")
	}
	if _, ok, _ := cache.Get(ctx, testGuildID, testChannelID, testOwnerID); !ok {
		t.Error("other user's entry was deleted")
	}
}

func TestValkeyCacheDeleteChannel(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	otherChannel := snowflake.ID(210)
	for _, s := range []struct {
		channel, user snowflake.ID
	}{
		{testChannelID, testUserID},
		{testChannelID, testOwnerID},
		{otherChannel, testUserID},
	} {
		if err := cache.Set(ctx, testGuildID, s.channel, s.user, ViewChannel); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}

	if err := cache.DeleteChannel(ctx, testGuildID, testChannelID); err != nil {
		t.Fatalf("DeleteChannel() error: %v", err)
	}

	if _, ok, _ := cache.Get(ctx, testGuildID, testChannelID, testUserID); ok {
		t.Error("entry survived DeleteChannel")
	}
	if _, ok, _ := cache.Get(ctx, testGuildID, testChannelID, testOwnerID); ok {
		t.Error("other user's entry survived DeleteChannel")
	}
	if _, ok, _ := cache.Get(ctx, testGuildID, otherChannel, testUserID); !ok {
		t.Error("other channel's entry was deleted")
	}
}

func TestValkeyCacheDeleteGuildManyKeys(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t)
	ctx := context.Background()

	// More keys than one SCAN batch returns.
	for i := 0; i < 250; i++ {
		if err := cache.Set(ctx, testGuildID, snowflake.ID(1000+i), testUserID, ViewChannel); err != nil {
			t.Fatalf("Set() error: %v", err)
		}
	}

	if err := cache.DeleteGuild(ctx, testGuildID); err != nil {
		t.Fatalf("DeleteGuild() error: %v", err)
	}

	for i := 0; i < 250; i++ {
		if _, ok, _ := cache.Get(ctx, testGuildID, snowflake.ID(1000+i), testUserID); ok {
			t.Fatalf("entry for channel %d survived DeleteGuild", 1000+i)
		}
	}
}

func TestCacheKeyShape(t *testing.T) {
	t.Parallel()

	got := cacheKey(100, 200, 2)
	want := "perm:100:200:2"
	if got != want {
		t.Errorf("cacheKey() = %q, want %q", got, want)
	}
	if fmt.Sprintf("perm:%d:%d:%d", 100, 0, 2) != cacheKey(100, GuildScope, 2) {
		t.Error("guild-scope key must use 0 as the channel component")
	}
}
