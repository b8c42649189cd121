package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

// Type identifies a domain event as "<namespace>.<verb>".
type Type string

// Event catalog. Every persisted state change publishes exactly one of these.
const (
	TypeMessageCreated Type = "message.created"
	TypeMessageUpdated Type = "message.updated"
	TypeMessageDeleted Type = "message.deleted"

	TypeGuildCreated Type = "guild.created"
	TypeGuildUpdated Type = "guild.updated"
	TypeGuildDeleted Type = "guild.deleted"

	TypeChannelCreated Type = "channel.created"
	TypeChannelUpdated Type = "channel.updated"
	TypeChannelDeleted Type = "channel.deleted"

	TypeOverwriteUpdated Type = "channel_overwrite.updated"
	TypeOverwriteDeleted Type = "channel_overwrite.deleted"

	TypeMemberJoined   Type = "member.joined"
	TypeMemberLeft     Type = "member.left"
	TypeMemberRemoved  Type = "member.removed"
	TypeMemberBanned   Type = "member.banned"
	TypeMemberUnbanned Type = "member.unbanned"
	TypeMemberUpdated  Type = "member.updated"

	TypeMemberRolesUpdated Type = "member_roles.updated"

	TypeRoleCreated Type = "role.created"
	TypeRoleUpdated Type = "role.updated"
	TypeRoleDeleted Type = "role.deleted"

	TypeSessionRevoked     Type = "session.revoked"
	TypeSessionsRevokedAll Type = "sessions.revoked_all"
)

// Topics partition the event space. Subjects are
// <topic>.<token>.<entity_id>, where the entity is the guild id for guild,
// channel, member, and role events, the channel id for message events, and
// the user id for session events.
const (
	TopicGuild   = "guild.events"
	TopicChannel = "channel.events"
	TopicMessage = "message.events"
	TopicMember  = "member.events"
	TopicRole    = "role.events"
	TopicSession = "session.events"
)

var subjectInfo = map[Type]struct{ topic, token string }{
	TypeMessageCreated: {TopicMessage, "created"},
	TypeMessageUpdated: {TopicMessage, "updated"},
	TypeMessageDeleted: {TopicMessage, "deleted"},

	TypeGuildCreated: {TopicGuild, "created"},
	TypeGuildUpdated: {TopicGuild, "updated"},
	TypeGuildDeleted: {TopicGuild, "deleted"},

	TypeChannelCreated: {TopicChannel, "created"},
	TypeChannelUpdated: {TopicChannel, "updated"},
	TypeChannelDeleted: {TopicChannel, "deleted"},

	TypeOverwriteUpdated: {TopicChannel, "overwrite_updated"},
	TypeOverwriteDeleted: {TopicChannel, "overwrite_deleted"},

	TypeMemberJoined:   {TopicMember, "joined"},
	TypeMemberLeft:     {TopicMember, "left"},
	TypeMemberRemoved:  {TopicMember, "removed"},
	TypeMemberBanned:   {TopicMember, "banned"},
	TypeMemberUnbanned: {TopicMember, "unbanned"},
	TypeMemberUpdated:  {TopicMember, "updated"},

	TypeMemberRolesUpdated: {TopicMember, "roles_updated"},

	TypeRoleCreated: {TopicRole, "created"},
	TypeRoleUpdated: {TopicRole, "updated"},
	TypeRoleDeleted: {TopicRole, "deleted"},

	TypeSessionRevoked:     {TopicSession, "revoked"},
	TypeSessionsRevokedAll: {TopicSession, "revoked_all"},
}

// Topic returns the topic an event type is published on.
func Topic(t Type) (string, error) {
	info, ok := subjectInfo[t]
	if !ok {
		return "", fmt.Errorf("unknown event type %q", t)
	}
	return info.topic, nil
}

// Subject returns the per-entity subject for an event type.
func Subject(t Type, entityID snowflake.ID) (string, error) {
	info, ok := subjectInfo[t]
	if !ok {
		return "", fmt.Errorf("unknown event type %q", t)
	}
	return info.topic + "." + info.token + "." + entityID.String(), nil
}

// Event is the envelope every published event is wrapped in. Consumers
// deduplicate on ID; delivery is at-least-once.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	Type        Type            `json:"type"`
	TimestampMS int64           `json:"timestamp_ms"`
	Data        json.RawMessage `json:"data"`
}

// NewEvent wraps a payload in an envelope with a fresh id and the current
// time.
func NewEvent(t Type, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{
		ID:          uuid.New(),
		Type:        t,
		TimestampMS: time.Now().UnixMilli(),
		Data:        data,
	}, nil
}

// ParseEvent decodes an envelope from the wire.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("parse event envelope: %w", err)
	}
	if evt.Type == "" {
		return Event{}, fmt.Errorf("event envelope missing type")
	}
	return evt, nil
}
