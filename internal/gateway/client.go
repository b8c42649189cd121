package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/accord-chat/accord-server/internal/snowflake"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client represents a single WebSocket connection. Each client runs two
// goroutines (readPump and writePump) and communicates with the Hub via its
// send channel and callback methods. The connection id, not the user id,
// keys all state so one user can hold several connections.
type Client struct {
	id   uuid.UUID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	// Identity, protected by mu. Written once during identify and read by the
	// dispatcher afterwards.
	mu         sync.RWMutex
	userID     snowflake.ID
	sessionID  uuid.UUID
	identified bool

	seq    atomic.Int64
	closed atomic.Bool

	// sendMu serialises enqueue against closeSend so a dispatch racing a
	// disconnect never sends on a closed channel.
	sendMu        sync.Mutex
	sendClosed    bool
	goodbyeCode   int
	goodbyeReason string
}

// closeSend closes the send channel, letting writePump drain the queue,
// deliver a close frame with the given code, and close the connection. Safe
// to call more than once; the first caller's code and reason win.
func (c *Client) closeSend(code int, reason string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	c.goodbyeCode = code
	c.goodbyeReason = reason
	close(c.send)
}

func newClient(hub *Hub, conn *websocket.Conn, logger zerolog.Logger) *Client {
	id := uuid.New()
	return &Client{
		id:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.cfg.GatewaySendQueue),
		log:  logger.With().Stringer("conn_id", id).Logger(),
	}
}

// UserID returns the authenticated user id. Zero until identified.
func (c *Client) UserID() snowflake.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the session the connection authenticated with.
func (c *Client) SessionID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// IsIdentified reports whether the client has completed authentication.
func (c *Client) IsIdentified() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identified
}

func (c *Client) bind(userID snowflake.ID, sessionID uuid.UUID) {
	c.mu.Lock()
	c.userID = userID
	c.sessionID = sessionID
	c.identified = true
	c.mu.Unlock()
}

// nextSeq increments and returns the next sequence number for a dispatch.
func (c *Client) nextSeq() int64 {
	return c.seq.Add(1)
}

// readPump reads frames from the WebSocket connection and routes them by
// opcode. It runs in its own goroutine and is responsible for closing the
// connection when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatTimeout := c.hub.cfg.GatewayHeartbeatTimeout
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

	// Tear the connection down if the client does not authenticate in time.
	identifyTimer := time.AfterFunc(c.hub.cfg.GatewayIdentifyTimeout, func() {
		if !c.IsIdentified() {
			c.log.Debug().Msg("client did not identify in time")
			c.identifyTimedOut()
		}
	})
	defer identifyTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.closeWithCode(CloseHeartbeatTimeout, "heartbeat timeout")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		// Any inbound frame counts as liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.closeWithCode(CloseInvalidPayload, "invalid JSON")
			return
		}

		switch frame.Op {
		case OpcodeHeartbeat:
			c.handleHeartbeat()
		case OpcodeIdentify, OpcodeResume:
			identifyTimer.Stop()
			c.handleIdentify(frame.D)
		case OpcodeSubscribe:
			c.handleSubscription(frame.D, true)
		case OpcodeUnsubscribe:
			c.handleSubscription(frame.D, false)
		default:
			c.closeWithCode(CloseInvalidPayload, "unknown opcode")
			return
		}
	}
}

// writePump writes frames from the send channel to the WebSocket connection,
// throttled to the configured dispatch budget per second. When the budget is
// exhausted, frames wait in the queue until the window resets. It runs in
// its own goroutine; when the send channel closes it drains the queue,
// delivers the close frame recorded by closeSend, and closes the connection.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	budget := c.hub.cfg.GatewayDispatchRate
	sent := 0
	windowStart := time.Now()

	for msg := range c.send {
		if sent >= budget {
			if wait := time.Second - time.Since(windowStart); wait > 0 {
				time.Sleep(wait)
			}
			sent = 0
			windowStart = time.Now()
		} else if time.Since(windowStart) >= time.Second {
			sent = 0
			windowStart = time.Now()
		}
		sent++

		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Msg("websocket write error")
			return
		}
	}

	// Queue drained. On an already-dead connection the write fails and is
	// ignored.
	c.sendMu.Lock()
	code, reason := c.goodbyeCode, c.goodbyeReason
	c.sendMu.Unlock()
	if code == 0 {
		code = websocket.CloseGoingAway
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
}

// handleHeartbeat answers with HEARTBEAT_ACK. The read deadline was already
// reset by the read loop.
func (c *Client) handleHeartbeat() {
	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("failed to build heartbeat ack")
		return
	}
	c.enqueue(ack)
}

// handleIdentify processes an IDENTIFY or RESUME payload. The two opcodes
// share semantics: RESUME is accepted for forward compatibility and treated
// as a fresh identify with optional replay.
func (c *Client) handleIdentify(data json.RawMessage) {
	if c.IsIdentified() {
		c.closeWithCode(CloseInvalidPayload, "already identified")
		return
	}

	var id identifyData
	if err := json.Unmarshal(data, &id); err != nil {
		c.closeWithCode(CloseInvalidPayload, "invalid identify payload")
		return
	}
	if id.Token == "" {
		c.closeWithCode(CloseAuthFailed, "token required")
		return
	}

	c.hub.handleIdentify(c, id)
}

func (c *Client) handleSubscription(data json.RawMessage, subscribe bool) {
	if !c.IsIdentified() {
		c.closeWithCode(CloseAuthFailed, "not identified")
		return
	}

	var sub subscribeData
	if err := json.Unmarshal(data, &sub); err != nil || sub.ChannelID == 0 {
		c.closeWithCode(CloseInvalidPayload, "invalid subscribe payload")
		return
	}

	if subscribe {
		c.hub.handleSubscribe(c, sub.ChannelID)
	} else {
		c.hub.handleUnsubscribe(c, sub.ChannelID)
	}
}

// enqueue sends a frame to the client's write channel. A frame arriving
// after the channel closed is dropped; if the queue is full the connection
// is closed so backpressure never stalls the dispatcher.
func (c *Client) enqueue(msg []byte) {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.sendMu.Unlock()
	default:
		c.sendMu.Unlock()
		c.log.Warn().Msg("client send queue full, closing connection")
		c.closeWithCode(CloseRateLimited, "send queue overflow")
		c.hub.unregister(c)
	}
}

// identifyTimedOut tells the client to re-identify and tears the connection
// down. INVALID_SESSION rides the queue so it flushes before the close
// frame.
func (c *Client) identifyTimedOut() {
	if frame, err := NewInvalidSessionFrame(); err == nil {
		c.enqueue(frame)
	}
	c.closeSend(CloseAuthFailed, "identify timeout")
}

// closeWithCode sends a WebSocket close frame with the given code and
// reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}
