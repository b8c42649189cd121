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
	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/member"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

type memberKey struct {
	guildID snowflake.ID
	userID  snowflake.ID
}

// fakeMemberRepo implements member.Repository for handler tests.
type fakeMemberRepo struct {
	members map[memberKey]*member.MemberWithProfile
	bans    map[memberKey]*member.BanRecord
}

func newFakeMemberRepo() *fakeMemberRepo {
	return &fakeMemberRepo{
		members: make(map[memberKey]*member.MemberWithProfile),
		bans:    make(map[memberKey]*member.BanRecord),
	}
}

func (r *fakeMemberRepo) Join(_ context.Context, guildID, userID snowflake.ID) (*member.MemberWithProfile, error) {
	k := memberKey{guildID, userID}
	if _, ok := r.members[k]; ok {
		return nil, member.ErrAlreadyMember
	}
	m := &member.MemberWithProfile{
		GuildID:  guildID,
		UserID:   userID,
		Username: "user-" + userID.String(),
		JoinedAt: time.Now(),
	}
	r.members[k] = m
	cpy := *m
	return &cpy, nil
}

func (r *fakeMemberRepo) List(_ context.Context, guildID snowflake.ID, after *snowflake.ID, limit int) ([]member.MemberWithProfile, error) {
	var out []member.MemberWithProfile
	for k, m := range r.members {
		if k.guildID != guildID {
			continue
		}
		if after != nil && m.UserID <= *after {
			continue
		}
		out = append(out, *m)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeMemberRepo) GetByUserID(_ context.Context, guildID, userID snowflake.ID) (*member.MemberWithProfile, error) {
	m, ok := r.members[memberKey{guildID, userID}]
	if !ok {
		return nil, member.ErrNotFound
	}
	cpy := *m
	return &cpy, nil
}

func (r *fakeMemberRepo) IsMember(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	_, ok := r.members[memberKey{guildID, userID}]
	return ok, nil
}

func (r *fakeMemberRepo) UpdateNickname(_ context.Context, guildID, userID snowflake.ID, nickname *string) (*member.MemberWithProfile, error) {
	m, ok := r.members[memberKey{guildID, userID}]
	if !ok {
		return nil, member.ErrNotFound
	}
	m.Nickname = nickname
	cpy := *m
	return &cpy, nil
}

func (r *fakeMemberRepo) Delete(_ context.Context, guildID, userID snowflake.ID) error {
	k := memberKey{guildID, userID}
	if _, ok := r.members[k]; !ok {
		return member.ErrNotFound
	}
	delete(r.members, k)
	return nil
}

func (r *fakeMemberRepo) Ban(_ context.Context, guildID, userID, bannedBy snowflake.ID, reason *string) error {
	k := memberKey{guildID, userID}
	if _, ok := r.bans[k]; ok {
		return member.ErrAlreadyBanned
	}
	r.bans[k] = &member.BanRecord{
		GuildID:   guildID,
		UserID:    userID,
		Reason:    reason,
		BannedBy:  bannedBy,
		CreatedAt: time.Now(),
	}
	delete(r.members, k)
	return nil
}

func (r *fakeMemberRepo) Unban(_ context.Context, guildID, userID snowflake.ID) error {
	k := memberKey{guildID, userID}
	if _, ok := r.bans[k]; !ok {
		return member.ErrBanNotFound
	}
	delete(r.bans, k)
	return nil
}

func (r *fakeMemberRepo) ListBans(_ context.Context, guildID snowflake.ID) ([]member.BanRecord, error) {
	var out []member.BanRecord
	for k, b := range r.bans {
		if k.guildID == guildID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) IsBanned(_ context.Context, guildID, userID snowflake.ID) (bool, error) {
	_, ok := r.bans[memberKey{guildID, userID}]
	return ok, nil
}

func (r *fakeMemberRepo) AssignRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	m, ok := r.members[memberKey{guildID, userID}]
	if !ok {
		return member.ErrNotFound
	}
	if roleID == guildID {
		return member.ErrEveryoneRole
	}
	m.RoleIDs = append(m.RoleIDs, roleID)
	return nil
}

func (r *fakeMemberRepo) RemoveRole(_ context.Context, guildID, userID, roleID snowflake.ID) error {
	m, ok := r.members[memberKey{guildID, userID}]
	if !ok {
		return member.ErrNotFound
	}
	if roleID == guildID {
		return member.ErrEveryoneRole
	}
	for i, id := range m.RoleIDs {
		if id == roleID {
			m.RoleIDs = append(m.RoleIDs[:i], m.RoleIDs[i+1:]...)
			return nil
		}
	}
	return member.ErrRoleNotFound
}

func seedMember(repo *fakeMemberRepo, guildID, userID snowflake.ID, username string) {
	repo.members[memberKey{guildID, userID}] = &member.MemberWithProfile{
		GuildID:  guildID,
		UserID:   userID,
		Username: username,
		JoinedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func testMemberApp(t *testing.T, members *fakeMemberRepo, guilds *fakeGuildRepo, pub *fakePublisher, callerID snowflake.ID) *fiber.App {
	t.Helper()
	handler := NewMemberHandler(members, guilds, pub, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(callerID, uuid.New()))
	app.Get("/guilds/:guildID/members", handler.ListMembers)
	app.Patch("/guilds/:guildID/members/me", handler.UpdateOwnNickname)
	app.Delete("/guilds/:guildID/members/me", handler.Leave)
	app.Delete("/guilds/:guildID/members/:userID", handler.KickMember)
	app.Get("/guilds/:guildID/bans", handler.ListBans)
	app.Put("/guilds/:guildID/bans/:userID", handler.Ban)
	app.Delete("/guilds/:guildID/bans/:userID", handler.Unban)
	return app
}

func TestListMembers_AfterCursor(t *testing.T) {
	t.Parallel()
	members := newFakeMemberRepo()
	guildID := mustID(t, "200")
	seedMember(members, guildID, mustID(t, "100"), "alice")
	seedMember(members, guildID, mustID(t, "101"), "bob")
	app := testMemberApp(t, members, newFakeGuildRepo(), &fakePublisher{}, mustID(t, "100"))

	resp := doReq(t, app, jsonReq(http.MethodGet, "/guilds/200/members?after=100", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	var page []member.MemberWithProfile
	if err := json.Unmarshal(parseSuccess(t, body).Data, &page); err != nil {
		t.Fatalf("unmarshal members: %v", err)
	}
	if len(page) != 1 || page[0].Username != "bob" {
		t.Errorf("got %v, want only bob", page)
	}
}

func TestUpdateOwnNickname(t *testing.T) {
	t.Parallel()
	members := newFakeMemberRepo()
	guildID := mustID(t, "200")
	caller := mustID(t, "100")
	seedMember(members, guildID, caller, "alice")
	pub := &fakePublisher{}
	app := testMemberApp(t, members, newFakeGuildRepo(), pub, caller)

	resp := doReq(t, app, jsonReq(http.MethodPatch, "/guilds/200/members/me", `{"nickname":"Al"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var m member.MemberWithProfile
	if err := json.Unmarshal(parseSuccess(t, body).Data, &m); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}
	if m.Nickname == nil || *m.Nickname != "Al" {
		t.Errorf("nickname = %v, want Al", m.Nickname)
	}
	if evt := pub.lastEvent(t); evt.Type != bus.TypeMemberUpdated {
		t.Errorf("event type = %q, want %q", evt.Type, bus.TypeMemberUpdated)
	}
}

func TestKickMember_Owner(t *testing.T) {
	t.Parallel()
	guilds := newFakeGuildRepo()
	owner := mustID(t, "999")
	seedGuild(guilds, mustID(t, "200"), owner, "Guild")
	members := newFakeMemberRepo()
	seedMember(members, mustID(t, "200"), owner, "owner")
	app := testMemberApp(t, members, guilds, &fakePublisher{}, mustID(t, "100"))

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/guilds/200/members/999", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(apierrors.CannotRemoveOwner) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.CannotRemoveOwner)
	}
}

func TestKickMember_Success(t *testing.T) {
	t.Parallel()
	guilds := newFakeGuildRepo()
	seedGuild(guilds, mustID(t, "200"), mustID(t, "999"), "Guild")
	members := newFakeMemberRepo()
	target := mustID(t, "101")
	seedMember(members, mustID(t, "200"), target, "bob")
	pub := &fakePublisher{}
	app := testMemberApp(t, members, guilds, pub, mustID(t, "100"))

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/guilds/200/members/101", ""))
	readBody(t, resp)

	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if ok, _ := members.IsMember(context.Background(), mustID(t, "200"), target); ok {
		t.Error("member still present after kick")
	}
	if evt := pub.lastEvent(t); evt.Type != bus.TypeMemberRemoved {
		t.Errorf("event type = %q, want %q", evt.Type, bus.TypeMemberRemoved)
	}
}

func TestLeave_OwnerRejected(t *testing.T) {
	t.Parallel()
	guilds := newFakeGuildRepo()
	owner := mustID(t, "100")
	seedGuild(guilds, mustID(t, "200"), owner, "Guild")
	members := newFakeMemberRepo()
	seedMember(members, mustID(t, "200"), owner, "owner")
	app := testMemberApp(t, members, guilds, &fakePublisher{}, owner)

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/guilds/200/members/me", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
	if env := parseError(t, body); env.Error.Code != string(apierrors.CannotRemoveOwner) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.CannotRemoveOwner)
	}
}

func TestBan_RemovesMembershipAndPublishes(t *testing.T) {
	t.Parallel()
	guilds := newFakeGuildRepo()
	seedGuild(guilds, mustID(t, "200"), mustID(t, "999"), "Guild")
	members := newFakeMemberRepo()
	target := mustID(t, "101")
	seedMember(members, mustID(t, "200"), target, "bob")
	pub := &fakePublisher{}
	app := testMemberApp(t, members, guilds, pub, mustID(t, "100"))

	resp := doReq(t, app, jsonReq(http.MethodPut, "/guilds/200/bans/101", `{"reason":"spam"}`))
	readBody(t, resp)

	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if ok, _ := members.IsMember(context.Background(), mustID(t, "200"), target); ok {
		t.Error("member still present after ban")
	}
	if banned, _ := members.IsBanned(context.Background(), mustID(t, "200"), target); !banned {
		t.Error("ban row missing")
	}
	evt := pub.lastEvent(t)
	if evt.Type != bus.TypeMemberBanned {
		t.Errorf("event type = %q, want %q", evt.Type, bus.TypeMemberBanned)
	}
	if evt.EntityID != mustID(t, "200") {
		t.Errorf("entity = %v, want guild id", evt.EntityID)
	}
}

func TestBan_AlreadyBanned(t *testing.T) {
	t.Parallel()
	guilds := newFakeGuildRepo()
	seedGuild(guilds, mustID(t, "200"), mustID(t, "999"), "Guild")
	members := newFakeMemberRepo()
	_ = members.Ban(context.Background(), mustID(t, "200"), mustID(t, "101"), mustID(t, "100"), nil)
	app := testMemberApp(t, members, guilds, &fakePublisher{}, mustID(t, "100"))

	resp := doReq(t, app, jsonReq(http.MethodPut, "/guilds/200/bans/101", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusConflict)
	}
	if env := parseError(t, body); env.Error.Code != string(apierrors.Conflict) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.Conflict)
	}
}

func TestUnban_NotBanned(t *testing.T) {
	t.Parallel()
	app := testMemberApp(t, newFakeMemberRepo(), newFakeGuildRepo(), &fakePublisher{}, mustID(t, "100"))

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/guilds/200/bans/101", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
	if env := parseError(t, body); env.Error.Code != string(apierrors.NotFound) {
		t.Errorf("error code = %q, want %q", env.Error.Code, apierrors.NotFound)
	}
}
