package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peercall-backend/internal/signal"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// SignalFeed is the cross-instance fan-out the hub consumes. Messages that
// originate outside the socket layer (call-ended from the call service)
// arrive through it.
type SignalFeed interface {
	SubscribeSignals(ctx context.Context, callID uuid.UUID) (<-chan []byte, error)
}

// SignalingHub relays call signaling between the WebSocket clients of each
// room. The hub never interprets SDP or candidates, it only routes them.
type SignalingHub struct {
	// Registered clients per call room
	rooms map[uuid.UUID]map[*SignalingClient]bool

	// Cancel functions for per-room feed subscriptions
	subscriptionCancels map[uuid.UUID]context.CancelFunc

	feed SignalFeed

	mu sync.RWMutex

	join       chan *joinRequest
	unregister chan *SignalingClient
	relay      chan *roomMessage

	// Concurrency limit for WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// SignalingClient represents one WebSocket connection. A connection binds to
// a room through its join message, not at upgrade time, so a client can
// switch rooms on the same transport.
type SignalingClient struct {
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	roomID uuid.UUID
}

type joinRequest struct {
	client *SignalingClient
	roomID uuid.UUID
}

type roomMessage struct {
	roomID   uuid.UUID
	senderID uuid.UUID
	msg      signal.Message
}

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}

		allowedOrigins := GetAllowedOrigins()
		for allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

// NewSignalingHub creates a new signaling hub and starts its event loop
func NewSignalingHub(feed SignalFeed) *SignalingHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_SIGNALING_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &SignalingHub{
		rooms:               make(map[uuid.UUID]map[*SignalingClient]bool),
		subscriptionCancels: make(map[uuid.UUID]context.CancelFunc),
		feed:                feed,
		join:                make(chan *joinRequest),
		unregister:          make(chan *SignalingClient),
		relay:               make(chan *roomMessage, 256),
		maxConnections:      maxConns,
		semaphore:           make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

func (h *SignalingHub) run() {
	for {
		select {
		case req := <-h.join:
			h.handleJoin(req)

		case client := <-h.unregister:
			h.handleLeave(client, true)

		case message := <-h.relay:
			h.deliver(message)
		}
	}
}

func (h *SignalingHub) handleJoin(req *joinRequest) {
	client := req.client

	// A join for a new room implies leaving the old one first
	client.mu.Lock()
	oldRoom := client.roomID
	client.roomID = req.roomID
	client.mu.Unlock()
	if oldRoom != uuid.Nil && oldRoom != req.roomID {
		h.removeFromRoom(client, oldRoom)
	}

	h.mu.Lock()
	if h.rooms[req.roomID] == nil {
		h.rooms[req.roomID] = make(map[*SignalingClient]bool)
		metrics.ActiveRooms.Inc()

		if h.feed != nil {
			ctx, cancel := context.WithCancel(context.Background())
			h.subscriptionCancels[req.roomID] = cancel
			go h.consumeFeed(ctx, req.roomID)
		}
	}
	h.rooms[req.roomID][client] = true

	roster := make([]string, 0, len(h.rooms[req.roomID])-1)
	for member := range h.rooms[req.roomID] {
		if member != client {
			roster = append(roster, member.userID.String())
		}
	}
	count := len(h.rooms[req.roomID])
	h.mu.Unlock()

	// The newcomer gets the roster so it knows which peers will offer to it
	client.sendMessage(signal.Message{
		Type:             signal.TypeRoomJoined,
		RoomID:           req.roomID.String(),
		Participants:     roster,
		ParticipantCount: count,
	})

	h.deliver(&roomMessage{
		roomID:   req.roomID,
		senderID: client.userID,
		msg: signal.Message{
			Type:             signal.TypeUserJoined,
			RoomID:           req.roomID.String(),
			UserID:           client.userID.String(),
			ParticipantCount: count,
		},
	})

	logger.Debug("Client joined signaling room",
		zap.String("room_id", req.roomID.String()),
		zap.String("user_id", client.userID.String()),
		zap.Int("participant_count", count))
}

// handleLeave tears the client out of its room. closeSend is false when the
// connection stays open for a room switch.
func (h *SignalingHub) handleLeave(client *SignalingClient, closeSend bool) {
	client.mu.Lock()
	roomID := client.roomID
	client.roomID = uuid.Nil
	client.mu.Unlock()

	if roomID != uuid.Nil {
		h.removeFromRoom(client, roomID)
	}
	if closeSend {
		close(client.send)
		client.cancel()
	}
}

func (h *SignalingHub) removeFromRoom(client *SignalingClient, roomID uuid.UUID) {
	h.mu.Lock()
	clients, ok := h.rooms[roomID]
	if !ok || !clients[client] {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	count := len(clients)
	if count == 0 {
		if cancel, ok := h.subscriptionCancels[roomID]; ok {
			cancel()
			delete(h.subscriptionCancels, roomID)
		}
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Dec()
	}
	h.mu.Unlock()

	if count > 0 {
		h.deliver(&roomMessage{
			roomID:   roomID,
			senderID: client.userID,
			msg: signal.Message{
				Type:             signal.TypeUserLeft,
				RoomID:           roomID.String(),
				UserID:           client.userID.String(),
				ParticipantCount: count,
			},
		})
	}
}

// deliver routes one message inside a room: to the target when addressed,
// otherwise to every member except the sender.
func (h *SignalingHub) deliver(message *roomMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.rooms[message.roomID]
	if !ok {
		return
	}

	payload, err := json.Marshal(message.msg)
	if err != nil {
		logger.Warn("Failed to marshal signaling message", zap.Error(err))
		return
	}

	if message.msg.TargetUserID != "" {
		for client := range clients {
			if client.userID.String() == message.msg.TargetUserID {
				client.trySend(payload)
				break
			}
		}
		return
	}

	for client := range clients {
		if message.senderID != uuid.Nil && client.userID == message.senderID {
			continue
		}
		client.trySend(payload)
	}
}

// consumeFeed relays messages published for this room by other instances or
// by the call service (call-ended).
func (h *SignalingHub) consumeFeed(ctx context.Context, roomID uuid.UUID) {
	ch, err := h.feed.SubscribeSignals(ctx, roomID)
	if err != nil {
		logger.Error("Failed to subscribe to signaling feed",
			zap.String("room_id", roomID.String()),
			zap.Error(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			var msg signal.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				logger.Warn("Failed to unmarshal feed signaling message",
					zap.String("room_id", roomID.String()),
					zap.Error(err))
				continue
			}
			// Feed messages have no local sender, deliver to everyone
			h.relay <- &roomMessage{roomID: roomID, msg: msg}
		}
	}
}

// ServeWS handles WebSocket upgrade requests for signaling
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
		defer func() {
			<-h.semaphore
		}()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &SignalingClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	metrics.ConnectedSockets.Inc()

	go client.writePump()
	go client.readPump()
}

func (c *SignalingClient) sendMessage(msg signal.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(payload)
}

func (c *SignalingClient) trySend(payload []byte) {
	select {
	case c.send <- payload:
	default:
		// Slow consumer, drop the connection rather than block the hub
		c.cancel()
	}
}

func (c *SignalingClient) sendError(message string) {
	c.sendMessage(signal.Message{Type: signal.TypeError, Message: message})
}

// readPump reads messages from the WebSocket and hands them to the hub
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
		metrics.ConnectedSockets.Dec()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			break
		}

		var msg signal.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("Invalid signaling message",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		metrics.SignalingMessages.WithLabelValues(string(msg.Type)).Inc()

		// The sender identity always comes from the authenticated socket
		msg.UserID = c.userID.String()

		switch msg.Type {
		case signal.TypeJoin:
			roomID, err := uuid.Parse(msg.RoomID)
			if err != nil {
				c.sendError("invalid room id")
				continue
			}
			c.hub.join <- &joinRequest{client: c, roomID: roomID}

		case signal.TypeLeave:
			c.hub.handleLeaveAsync(c)

		case signal.TypeMediaState:
			msg.Type = signal.TypeMediaStateChanged
			c.relayToRoom(msg)

		case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
			if msg.TargetUserID == "" {
				c.sendError("signaling message requires a target")
				continue
			}
			c.relayToRoom(msg)

		default:
			// Unknown client types are dropped silently
		}
	}
}

func (c *SignalingClient) relayToRoom(msg signal.Message) {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == uuid.Nil {
		c.sendError("not in a room")
		return
	}
	msg.RoomID = roomID.String()
	c.hub.relay <- &roomMessage{roomID: roomID, senderID: c.userID, msg: msg}
}

// handleLeaveAsync detaches a client from its room while keeping the
// connection open.
func (h *SignalingHub) handleLeaveAsync(client *SignalingClient) {
	client.mu.Lock()
	roomID := client.roomID
	client.roomID = uuid.Nil
	client.mu.Unlock()
	if roomID != uuid.Nil {
		h.removeFromRoom(client, roomID)
	}
}

// writePump writes queued messages and keeps the connection alive with pings
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
