package message

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/channel"
	"github.com/accord-chat/accord-server/internal/permission"
	"github.com/accord-chat/accord-server/internal/role"
	"github.com/accord-chat/accord-server/internal/snowflake"
)

func TestValidateContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"valid", "hello", "hello", nil},
		{"trims whitespace", "  hello  ", "hello", nil},
		{"empty", "", "", ErrEmptyContent},
		{"whitespace only", "   ", "", ErrEmptyContent},
		{"at limit", strings.Repeat("a", 4000), strings.Repeat("a", 4000), nil},
		{"over limit", strings.Repeat("a", 4001), "", ErrContentTooLong},
		{"multibyte at limit", strings.Repeat("中", 4000), strings.Repeat("中", 4000), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ValidateContent(tt.input, 4000)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateContent() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input int
		want  int
	}{
		{0, DefaultLimit},
		{-1, DefaultLimit},
		{1, 1},
		{100, 100},
		{101, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.input); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestCursorValidate(t *testing.T) {
	t.Parallel()

	id := snowflake.ID(42)
	if err := (Cursor{}).Validate(); err != nil {
		t.Errorf("empty cursor Validate() = %v, want nil", err)
	}
	if err := (Cursor{Before: &id}).Validate(); err != nil {
		t.Errorf("before-only cursor Validate() = %v, want nil", err)
	}
	if err := (Cursor{Before: &id, After: &id}).Validate(); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("both-set cursor Validate() = %v, want ErrInvalidCursor", err)
	}
}

func TestParseMentions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		content   string
		wantUsers []snowflake.ID
		wantRoles []snowflake.ID
	}{
		{"no mentions", "plain text", nil, nil},
		{"single user", "hi <@123>", []snowflake.ID{123}, nil},
		{"single role", "hey <@&456>", nil, []snowflake.ID{456}},
		{"mixed order preserved", "<@9> <@&8> <@7>", []snowflake.ID{9, 7}, []snowflake.ID{8}},
		{"dedup keeps first", "<@5> <@6> <@5>", []snowflake.ID{5, 6}, nil},
		{"role dedup", "<@&5> <@&5>", nil, []snowflake.ID{5}},
		{"malformed ignored", "<@> <@abc> <@ 12>", nil, nil},
		{"same id user and role distinct", "<@10> <@&10>", []snowflake.ID{10}, []snowflake.ID{10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			users, roles := ParseMentions(tt.content)
			if !reflect.DeepEqual(users, tt.wantUsers) {
				t.Errorf("ParseMentions() users = %v, want %v", users, tt.wantUsers)
			}
			if !reflect.DeepEqual(roles, tt.wantRoles) {
				t.Errorf("ParseMentions() roles = %v, want %v", roles, tt.wantRoles)
			}
		})
	}
}

// Fakes for service tests.

type fakeRepo struct {
	messages map[snowflake.ID]*Message
	created  []CreateParams
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: make(map[snowflake.ID]*Message)}
}

func (f *fakeRepo) Create(_ context.Context, params CreateParams) (*Message, error) {
	if existing, ok := f.messages[params.ID]; ok {
		return existing, nil
	}
	f.created = append(f.created, params)
	msg := &Message{
		ID:             params.ID,
		ChannelID:      params.ChannelID,
		AuthorID:       params.AuthorID,
		Content:        params.Content,
		MentionUserIDs: params.MentionUserIDs,
		MentionRoleIDs: params.MentionRoleIDs,
		CreatedAt:      params.ID.Timestamp(),
	}
	f.messages[params.ID] = msg
	return msg, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id snowflake.ID) (*Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// List mirrors the repository contract: ascending id order, oldest page by
// default, Before returning the page that ends just before the cursor.
func (f *fakeRepo) List(_ context.Context, channelID snowflake.ID, cursor Cursor) ([]Message, error) {
	var all []Message
	for _, msg := range f.messages {
		if msg.ChannelID == channelID {
			all = append(all, *msg)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	switch {
	case cursor.Before != nil:
		var out []Message
		for _, m := range all {
			if m.ID < *cursor.Before {
				out = append(out, m)
			}
		}
		if len(out) > cursor.Limit {
			out = out[len(out)-cursor.Limit:]
		}
		return out, nil
	case cursor.After != nil:
		var out []Message
		for _, m := range all {
			if m.ID > *cursor.After {
				out = append(out, m)
				if len(out) == cursor.Limit {
					break
				}
			}
		}
		return out, nil
	default:
		if len(all) > cursor.Limit {
			all = all[:cursor.Limit]
		}
		return all, nil
	}
}

func (f *fakeRepo) UpdateContent(_ context.Context, id snowflake.ID, content string, userIDs, roleIDs []snowflake.ID, expected *time.Time) (*Message, error) {
	msg, ok := f.messages[id]
	if !ok {
		return nil, ErrEditConflict
	}
	if (msg.EditedAt == nil) != (expected == nil) {
		return nil, ErrEditConflict
	}
	if msg.EditedAt != nil && expected != nil && !msg.EditedAt.Equal(*expected) {
		return nil, ErrEditConflict
	}
	now := time.Now()
	msg.Content = content
	msg.MentionUserIDs = userIDs
	msg.MentionRoleIDs = roleIDs
	msg.EditedAt = &now
	cp := *msg
	return &cp, nil
}

func (f *fakeRepo) SoftDelete(_ context.Context, id snowflake.ID) (bool, error) {
	if _, ok := f.messages[id]; !ok {
		return false, nil
	}
	delete(f.messages, id)
	return true, nil
}

type fakeChannels struct {
	channels map[snowflake.ID]*channel.Channel
}

func (f *fakeChannels) GetByID(_ context.Context, id snowflake.ID) (*channel.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return nil, channel.ErrNotFound
	}
	return ch, nil
}

type fakeMembers struct {
	members map[snowflake.ID]bool
}

func (f *fakeMembers) IsMember(_ context.Context, _, userID snowflake.ID) (bool, error) {
	return f.members[userID], nil
}

type fakeRoles struct {
	roles map[snowflake.ID]bool
}

func (f *fakeRoles) GetByID(_ context.Context, guildID, id snowflake.ID) (*role.Role, error) {
	if !f.roles[id] {
		return nil, role.ErrNotFound
	}
	return &role.Role{ID: id, GuildID: guildID}, nil
}

type fakePerms struct {
	bits map[snowflake.ID]permission.Bits
	err  error
}

func (f *fakePerms) Has(_ context.Context, userID, _ snowflake.ID, bit permission.Bits) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.bits[userID].Has(bit), nil
}

type publishedEvent struct {
	t        bus.Type
	entityID snowflake.ID
	payload  any
}

type fakePublisher struct {
	events []publishedEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, t bus.Type, entityID snowflake.ID, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, publishedEvent{t: t, entityID: entityID, payload: payload})
	return nil
}

const (
	testGuildID   = snowflake.ID(100)
	testChannelID = snowflake.ID(200)
	testAuthorID  = snowflake.ID(300)
	testOtherID   = snowflake.ID(301)
)

type serviceFixture struct {
	svc   *Service
	repo  *fakeRepo
	perms *fakePerms
	pub   *fakePublisher
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	gen, err := snowflake.NewGenerator(1)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	repo := newFakeRepo()
	perms := &fakePerms{bits: map[snowflake.ID]permission.Bits{
		testAuthorID: permission.SendMessages | permission.ReadMessageHistory,
	}}
	pub := &fakePublisher{}
	channels := &fakeChannels{channels: map[snowflake.ID]*channel.Channel{
		testChannelID: {ID: testChannelID, GuildID: testGuildID, Type: channel.TypeText},
	}}
	members := &fakeMembers{members: map[snowflake.ID]bool{testAuthorID: true, testOtherID: true}}
	roles := &fakeRoles{roles: map[snowflake.ID]bool{snowflake.ID(900): true}}

	svc := NewService(repo, channels, members, roles, perms, pub, gen, 4000, zerolog.Nop())
	return &serviceFixture{svc: svc, repo: repo, perms: perms, pub: pub}
}

func TestServiceCreate(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	msg, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "  hello <@301> <@999> <@&900> <@&901>  ")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if msg.Content != "hello <@301> <@999> <@&900> <@&901>" {
		t.Errorf("Create() content = %q, want trimmed original", msg.Content)
	}
	if want := []snowflake.ID{testOtherID}; !reflect.DeepEqual(msg.MentionUserIDs, want) {
		t.Errorf("Create() user mentions = %v, want %v (non-members dropped)", msg.MentionUserIDs, want)
	}
	if want := []snowflake.ID{900}; !reflect.DeepEqual(msg.MentionRoleIDs, want) {
		t.Errorf("Create() role mentions = %v, want %v (unknown roles dropped)", msg.MentionRoleIDs, want)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].t != bus.TypeMessageCreated {
		t.Fatalf("Create() published %v, want one message.created", f.pub.events)
	}
	if f.pub.events[0].entityID != testChannelID {
		t.Errorf("Create() event entity = %v, want channel id %v", f.pub.events[0].entityID, testChannelID)
	}
}

func TestServiceCreateDenied(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	_, err := f.svc.Create(context.Background(), testChannelID, testOtherID, "hello")
	if !errors.Is(err, ErrMissingPermission) {
		t.Errorf("Create() without SEND_MESSAGES = %v, want ErrMissingPermission", err)
	}
	if len(f.pub.events) != 0 {
		t.Errorf("Create() published %d events on denial, want 0", len(f.pub.events))
	}
}

func TestServiceCreateChannelGone(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.perms.err = permission.ErrNotFound
	_, err := f.svc.Create(context.Background(), snowflake.ID(999), testAuthorID, "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Create() on missing channel = %v, want ErrNotFound", err)
	}
}

func TestServiceCreateEmptyContent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	_, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "   ")
	if !errors.Is(err, ErrEmptyContent) {
		t.Errorf("Create() = %v, want ErrEmptyContent", err)
	}
}

func TestServiceCreatePublishFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	f.pub.err = errors.New("broker down")
	msg, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "hello")
	if err != nil {
		t.Fatalf("Create() error = %v, want success despite publish failure", err)
	}
	if _, err := f.repo.GetByID(context.Background(), msg.ID); err != nil {
		t.Errorf("Create() row not stored after publish failure: %v", err)
	}
}

func TestServiceUpdate(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	msg, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "original")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	updated, err := f.svc.Update(context.Background(), msg.ID, testAuthorID, "edited")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Content != "edited" {
		t.Errorf("Update() content = %q, want %q", updated.Content, "edited")
	}
	if updated.EditedAt == nil {
		t.Error("Update() edited_at = nil, want set")
	}
	if len(f.pub.events) != 2 || f.pub.events[1].t != bus.TypeMessageUpdated {
		t.Fatalf("Update() events = %v, want message.updated after message.created", f.pub.events)
	}
}

func TestServiceUpdateNotAuthor(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	msg, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "original")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := f.svc.Update(context.Background(), msg.ID, testOtherID, "hijack"); !errors.Is(err, ErrNotAuthor) {
		t.Errorf("Update() by non-author = %v, want ErrNotAuthor", err)
	}
}

func TestServiceUpdateDeleted(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	_, err := f.svc.Update(context.Background(), snowflake.ID(12345), testAuthorID, "edited")
	if !errors.Is(err, ErrMessageDeleted) {
		t.Errorf("Update() on absent message = %v, want ErrMessageDeleted", err)
	}
}

func TestServiceDelete(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	msg, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "doomed")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := f.svc.Delete(context.Background(), msg.ID, testAuthorID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := f.repo.GetByID(context.Background(), msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() after delete = %v, want ErrNotFound", err)
	}
	if len(f.pub.events) != 2 || f.pub.events[1].t != bus.TypeMessageDeleted {
		t.Fatalf("Delete() events = %v, want message.deleted", f.pub.events)
	}
}

func TestServiceDeleteAbsentIsNoop(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	if err := f.svc.Delete(context.Background(), snowflake.ID(54321), testAuthorID); err != nil {
		t.Errorf("Delete() on absent message = %v, want nil", err)
	}
	if len(f.pub.events) != 0 {
		t.Errorf("Delete() on absent message published %d events, want 0", len(f.pub.events))
	}
}

func TestServiceDeleteByModerator(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	msg, err := f.svc.Create(context.Background(), testChannelID, testAuthorID, "reported")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Without MANAGE_MESSAGES the delete is rejected.
	if err := f.svc.Delete(context.Background(), msg.ID, testOtherID); !errors.Is(err, ErrMissingPermission) {
		t.Fatalf("Delete() by non-author without permission = %v, want ErrMissingPermission", err)
	}

	f.perms.bits[testOtherID] = permission.ManageMessages
	if err := f.svc.Delete(context.Background(), msg.ID, testOtherID); err != nil {
		t.Fatalf("Delete() by moderator = %v, want nil", err)
	}
}

func TestServiceCreateIdempotent(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	first, err := f.repo.Create(context.Background(), CreateParams{
		ID: snowflake.ID(777), ChannelID: testChannelID, AuthorID: testAuthorID, Content: "once",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := f.repo.Create(context.Background(), CreateParams{
		ID: snowflake.ID(777), ChannelID: testChannelID, AuthorID: testAuthorID, Content: "twice",
	})
	if err != nil {
		t.Fatalf("retried Create() error = %v", err)
	}
	if second.Content != first.Content {
		t.Errorf("retried Create() content = %q, want stored %q", second.Content, first.Content)
	}
	if len(f.repo.created) != 1 {
		t.Errorf("retried Create() inserted %d rows, want 1", len(f.repo.created))
	}
}

// seedMessages inserts n messages with ascending ids into the fixture's
// channel and returns the ids oldest-first.
func seedMessages(t *testing.T, f *serviceFixture, n int) []snowflake.ID {
	t.Helper()
	ids := make([]snowflake.ID, n)
	for i := 0; i < n; i++ {
		id := snowflake.ID(1000 + i)
		if _, err := f.repo.Create(context.Background(), CreateParams{
			ID: id, ChannelID: testChannelID, AuthorID: testAuthorID, Content: fmt.Sprintf("m%d", i+1),
		}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		ids[i] = id
	}
	return ids
}

func TestServiceListDefaultsToOldestPage(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ids := seedMessages(t, f, 120)

	page, err := f.svc.List(context.Background(), testChannelID, testAuthorID, Cursor{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != DefaultLimit {
		t.Fatalf("List() returned %d messages, want %d", len(page), DefaultLimit)
	}
	for i, msg := range page {
		if msg.ID != ids[i] {
			t.Fatalf("List()[%d].ID = %v, want %v (oldest first)", i, msg.ID, ids[i])
		}
	}
}

func TestServiceListAfterWalksFullHistory(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ids := seedMessages(t, f, 120)

	var visited []snowflake.ID
	cursor := Cursor{Limit: 50}
	for {
		page, err := f.svc.List(context.Background(), testChannelID, testAuthorID, cursor)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			visited = append(visited, msg.ID)
		}
		last := page[len(page)-1].ID
		cursor.After = &last
	}

	if !reflect.DeepEqual(visited, ids) {
		t.Errorf("after-cursor walk visited %d messages, want all %d oldest-first", len(visited), len(ids))
	}
}

func TestServiceListBeforeReturnsPrecedingPage(t *testing.T) {
	t.Parallel()

	f := newServiceFixture(t)
	ids := seedMessages(t, f, 10)

	page, err := f.svc.List(context.Background(), testChannelID, testAuthorID, Cursor{Before: &ids[5], Limit: 3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := ids[2:5]
	got := make([]snowflake.ID, len(page))
	for i, msg := range page {
		got[i] = msg.ID
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List(before) = %v, want %v (ascending page ending at the cursor)", got, want)
	}
}
