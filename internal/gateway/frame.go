package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/accord-chat/accord-server/internal/bus"
	"github.com/accord-chat/accord-server/internal/snowflake"
	"github.com/accord-chat/accord-server/internal/user"
)

// Gateway opcodes. DISPATCH, HELLO, INVALID_SESSION, RECONNECT, and
// RESYNC_REQUIRED are server-to-client; the rest are client-to-server except
// HEARTBEAT_ACK which answers HEARTBEAT.
const (
	OpcodeDispatch       = 0
	OpcodeHeartbeat      = 1
	OpcodeHeartbeatACK   = 2
	OpcodeIdentify       = 3
	OpcodeResume         = 4
	OpcodeSubscribe      = 5
	OpcodeUnsubscribe    = 6
	OpcodeHello          = 7
	OpcodeInvalidSession = 8
	OpcodeReconnect      = 9
	OpcodeResyncRequired = 10
)

// Frame is the wire envelope for every gateway message. T, S, and E are only
// present on DISPATCH frames: T names the event, S is the per-connection
// sequence number, and E is the bus envelope id clients deduplicate on.
type Frame struct {
	Op int             `json:"op"`
	T  *string         `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	E  *uuid.UUID      `json:"e,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// helloData carries the heartbeat contract to a freshly connected client.
type helloData struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval_ms"`
}

// identifyData is the payload for IDENTIFY and RESUME. LastEventID, when
// present, requests a replay of events the client missed while disconnected.
type identifyData struct {
	Token       string     `json:"token"`
	LastEventID *uuid.UUID `json:"last_event_id,omitempty"`
}

// subscribeData is the payload for SUBSCRIBE and UNSUBSCRIBE.
type subscribeData struct {
	ChannelID snowflake.ID `json:"channel_id"`
}

// readyData is the payload of the READY dispatch sent after a successful
// identify.
type readyData struct {
	SessionID uuid.UUID      `json:"session_id"`
	User      *user.User     `json:"user"`
	GuildIDs  []snowflake.ID `json:"guild_ids"`
}

// resyncData is the payload of RESYNC_REQUIRED.
type resyncData struct {
	Reason string `json:"reason"`
}

const resyncReasonWindowExceeded = "replay_window_exceeded"

// wireTypes maps bus event types to the dispatch event names clients see.
// Session events are absent: they invalidate connections instead of being
// dispatched.
var wireTypes = map[bus.Type]string{
	bus.TypeMessageCreated: "MESSAGE_CREATE",
	bus.TypeMessageUpdated: "MESSAGE_UPDATE",
	bus.TypeMessageDeleted: "MESSAGE_DELETE",

	bus.TypeGuildCreated: "GUILD_CREATE",
	bus.TypeGuildUpdated: "GUILD_UPDATE",
	bus.TypeGuildDeleted: "GUILD_DELETE",

	bus.TypeChannelCreated: "CHANNEL_CREATE",
	bus.TypeChannelUpdated: "CHANNEL_UPDATE",
	bus.TypeChannelDeleted: "CHANNEL_DELETE",

	bus.TypeOverwriteUpdated: "CHANNEL_OVERWRITE_UPDATE",
	bus.TypeOverwriteDeleted: "CHANNEL_OVERWRITE_DELETE",

	bus.TypeMemberJoined:   "MEMBER_JOIN",
	bus.TypeMemberLeft:     "MEMBER_LEAVE",
	bus.TypeMemberRemoved:  "MEMBER_REMOVE",
	bus.TypeMemberBanned:   "MEMBER_BAN",
	bus.TypeMemberUnbanned: "MEMBER_UNBAN",
	bus.TypeMemberUpdated:  "MEMBER_UPDATE",

	bus.TypeMemberRolesUpdated: "MEMBER_ROLES_UPDATE",

	bus.TypeRoleCreated: "ROLE_CREATE",
	bus.TypeRoleUpdated: "ROLE_UPDATE",
	bus.TypeRoleDeleted: "ROLE_DELETE",
}

// WireType returns the dispatch event name for a bus event type. The second
// return is false for event types that are never dispatched to clients.
func WireType(t bus.Type) (string, bool) {
	name, ok := wireTypes[t]
	return name, ok
}

// NewHelloFrame returns a serialised HELLO frame with the heartbeat interval
// in milliseconds.
func NewHelloFrame(heartbeatIntervalMS int64) ([]byte, error) {
	data, err := json.Marshal(helloData{HeartbeatIntervalMS: heartbeatIntervalMS})
	if err != nil {
		return nil, fmt.Errorf("marshal hello data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeHello, D: data})
}

// NewHeartbeatACKFrame returns a serialised HEARTBEAT_ACK frame.
func NewHeartbeatACKFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeHeartbeatACK})
}

// NewDispatchFrame returns a serialised DISPATCH frame carrying the given
// sequence number, wire event name, envelope id, and payload.
func NewDispatchFrame(seq int64, eventType string, eventID uuid.UUID, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op: OpcodeDispatch,
		T:  &eventType,
		S:  &seq,
		E:  &eventID,
		D:  data,
	})
}

// NewLocalDispatchFrame returns a DISPATCH frame for server-synthesized
// events that have no bus envelope, such as READY.
func NewLocalDispatchFrame(seq int64, eventType string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(Frame{
		Op: OpcodeDispatch,
		T:  &eventType,
		S:  &seq,
		D:  data,
	})
}

// NewInvalidSessionFrame returns a serialised INVALID_SESSION frame telling
// the client to re-identify.
func NewInvalidSessionFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeInvalidSession})
}

// NewReconnectFrame returns a serialised RECONNECT frame instructing the
// client to disconnect and reconnect.
func NewReconnectFrame() ([]byte, error) {
	return json.Marshal(Frame{Op: OpcodeReconnect})
}

// NewResyncRequiredFrame returns a serialised RESYNC_REQUIRED frame. Clients
// receiving it must refetch state over REST instead of trusting replay.
func NewResyncRequiredFrame(reason string) ([]byte, error) {
	data, err := json.Marshal(resyncData{Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("marshal resync data: %w", err)
	}
	return json.Marshal(Frame{Op: OpcodeResyncRequired, D: data})
}
