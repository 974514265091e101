package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
)

// Handlers receives dispatched signaling events. Nil callbacks are skipped.
type Handlers struct {
	OnRoomJoined func(roomID string, participants []string)
	OnUserJoined func(userID string, participantCount int)
	OnUserLeft   func(userID string, participantCount int)
	OnOffer      func(from string, sdp webrtc.SessionDescription)
	OnAnswer     func(from string, sdp webrtc.SessionDescription)
	OnCandidate  func(from string, candidate webrtc.ICECandidateInit)
	OnMediaState func(from string, state domain.MediaState)
	OnCallEnded  func(roomID string)
	OnServerError func(message string)

	// Reconnection lifecycle, surfaced so the UI can show a transient banner
	OnReconnecting func(attempt int, delay time.Duration)
	OnReconnected  func(roomID string)
	// OnReconnectFailed fires once all reconnection attempts are spent;
	// the call lifecycle machine treats this as fatal.
	OnReconnectFailed func()
}

// Channel is the client side of the signaling relay: one WebSocket carrying
// the signaling messages of a single call room, reconnecting automatically
// with exponential backoff on unexpected closure.
type Channel struct {
	url    string
	userID string

	handlers Handlers

	mu             sync.Mutex
	conn           *websocket.Conn
	roomID         string
	attempts       int
	reconnectTimer *time.Timer
	closed         bool

	// Tunables, overridden in tests
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	dial        func(ctx context.Context, url string) (*websocket.Conn, error)
	afterFunc   func(d time.Duration, f func()) *time.Timer
}

// NewChannel creates a signaling channel for the given server URL and local
// user. The channel is idle until Connect is called.
func NewChannel(url, userID string, handlers Handlers) *Channel {
	return &Channel{
		url:         url,
		userID:      userID,
		handlers:    handlers,
		baseDelay:   constants.ReconnectBaseDelay,
		maxDelay:    constants.ReconnectMaxDelay,
		maxAttempts: constants.ReconnectMaxAttempts,
		dial:        dialWebSocket,
		afterFunc:   time.AfterFunc,
	}
}

func dialWebSocket(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling server: %w", err)
	}
	return conn, nil
}

// Connect opens the transport and joins the given room. If the transport is
// already open, it re-sends join for the new room without reopening.
func (c *Channel) Connect(ctx context.Context, roomID string) error {
	c.mu.Lock()
	c.closed = false
	c.attempts = 0
	c.roomID = roomID

	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return c.writeJSON(conn, NewJoin(roomID, c.userID))
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeJSON(conn, NewJoin(roomID, c.userID)); err != nil {
		return err
	}

	go c.readLoop(conn)

	logger.Debug("Signaling channel connected",
		zap.String("room_id", roomID),
		zap.String("user_id", c.userID))

	return nil
}

// Disconnect sends leave, closes the transport, cancels any pending
// reconnection and resets the attempt counter. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.closed = true
	roomID := c.roomID
	c.roomID = ""
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	// Best effort: the leave message races the close, and the room roster
	// converges from the server side either way.
	deadline := time.Now().Add(constants.WebSocketWriteTimeout)
	conn.SetWriteDeadline(deadline)
	conn.WriteJSON(NewLeave(roomID, c.userID))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

// Connected reports whether the transport is currently open
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes a signaling message. When the transport is not open the
// message is dropped with a warning: signaling messages are time-sensitive
// and queueing stale ones is useless.
func (c *Channel) Send(msg Message) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		logger.Warn("Signaling send skipped, transport not open",
			zap.String("type", string(msg.Type)))
		return
	}

	msg.UserID = c.userID
	if err := c.writeJSON(conn, msg); err != nil {
		logger.Warn("Signaling send failed",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

func (c *Channel) writeJSON(conn *websocket.Conn, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	return conn.WriteJSON(msg)
}

// readLoop pumps inbound messages until the connection drops. A drop while a
// room is still set triggers the reconnection path.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			stale := c.conn != conn
			c.conn = nil
			c.mu.Unlock()
			if !stale {
				conn.Close()
				c.scheduleReconnect()
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg Message) {
	h := c.handlers
	switch msg.Type {
	case TypeRoomJoined:
		if h.OnRoomJoined != nil {
			h.OnRoomJoined(msg.RoomID, msg.Participants)
		}
	case TypeUserJoined:
		if h.OnUserJoined != nil {
			h.OnUserJoined(msg.UserID, msg.ParticipantCount)
		}
	case TypeUserLeft:
		if h.OnUserLeft != nil {
			h.OnUserLeft(msg.UserID, msg.ParticipantCount)
		}
	case TypeOffer:
		if h.OnOffer != nil && msg.SDP != nil {
			h.OnOffer(msg.UserID, *msg.SDP)
		}
	case TypeAnswer:
		if h.OnAnswer != nil && msg.SDP != nil {
			h.OnAnswer(msg.UserID, *msg.SDP)
		}
	case TypeCandidate:
		if h.OnCandidate != nil && msg.Candidate != nil {
			h.OnCandidate(msg.UserID, *msg.Candidate)
		}
	case TypeMediaState, TypeMediaStateChanged:
		if h.OnMediaState != nil {
			h.OnMediaState(msg.UserID, domain.MediaState{
				IsMuted:         msg.IsMuted,
				IsVideoOn:       msg.IsVideoOn,
				IsScreenSharing: msg.IsScreenSharing,
				IsHandRaised:    msg.IsHandRaised,
			})
		}
	case TypeCallEnded:
		if h.OnCallEnded != nil {
			h.OnCallEnded(msg.RoomID)
		}
	case TypeError:
		if h.OnServerError != nil {
			h.OnServerError(msg.Message)
		}
	default:
		// Unknown types are ignored so the protocol can grow
	}
}

// scheduleReconnect arms the backoff timer for the next reconnection
// attempt. The attempt counter only resets on an explicit Connect or
// Disconnect, so a flapping transport cannot retry forever.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.roomID == "" {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		logger.Error("Signaling reconnection attempts exhausted",
			zap.Int("attempts", c.maxAttempts))
		if c.handlers.OnReconnectFailed != nil {
			c.handlers.OnReconnectFailed()
		}
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	c.reconnectTimer = c.afterFunc(delay, c.reconnect)
	c.mu.Unlock()

	logger.Warn("Signaling transport lost, reconnecting",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	if c.handlers.OnReconnecting != nil {
		c.handlers.OnReconnecting(attempt, delay)
	}
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.closed || c.roomID == "" {
		c.mu.Unlock()
		return
	}
	roomID := c.roomID
	c.mu.Unlock()

	conn, err := c.dial(context.Background(), c.url)
	if err != nil {
		logger.Warn("Signaling reconnect failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.writeJSON(conn, NewJoin(roomID, c.userID)); err != nil {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.scheduleReconnect()
		return
	}

	go c.readLoop(conn)

	logger.Info("Signaling channel reconnected", zap.String("room_id", roomID))
	if c.handlers.OnReconnected != nil {
		c.handlers.OnReconnected(roomID)
	}
}
