package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTestServer upgrades each connection, records inbound messages and hands
// the connection to the per-test script.
type wsTestServer struct {
	*httptest.Server

	mu       sync.Mutex
	received []Message
}

func newWSTestServer(t *testing.T, script func(conn *websocket.Conn, s *wsTestServer)) *wsTestServer {
	s := &wsTestServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		script(conn, s)
	}))
	return s
}

func (s *wsTestServer) record(conn *websocket.Conn) (Message, error) {
	var msg Message
	err := conn.ReadJSON(&msg)
	if err != nil {
		return msg, err
	}
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()
	return msg, nil
}

func (s *wsTestServer) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.received))
	copy(out, s.received)
	return out
}

func wsURL(s *wsTestServer) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestChannelConnectSendsJoin(t *testing.T) {
	joined := make(chan Message, 1)
	server := newWSTestServer(t, func(conn *websocket.Conn, s *wsTestServer) {
		msg, err := s.record(conn)
		if err == nil {
			joined <- msg
		}
		// Keep the connection open until the client disconnects
		for {
			if _, err := s.record(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	ch := NewChannel(wsURL(server), "alice", Handlers{})
	require.NoError(t, ch.Connect(context.Background(), "room-1"))
	defer ch.Disconnect()

	select {
	case msg := <-joined:
		assert.Equal(t, TypeJoin, msg.Type)
		assert.Equal(t, "room-1", msg.RoomID)
		assert.Equal(t, "alice", msg.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received join")
	}
	assert.True(t, ch.Connected())
}

func TestChannelDispatchesInboundMessages(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn, s *wsTestServer) {
		if _, err := s.record(conn); err != nil {
			return
		}
		conn.WriteJSON(Message{
			Type:         TypeRoomJoined,
			RoomID:       "room-1",
			Participants: []string{"bob"},
		})
		conn.WriteJSON(Message{Type: TypeUserJoined, UserID: "carol", ParticipantCount: 3})
		conn.WriteJSON(Message{
			Type:   TypeOffer,
			UserID: "bob",
			SDP:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"},
		})
		conn.WriteJSON(Message{Type: "future-extension"})
		conn.WriteJSON(Message{Type: TypeError, Message: "room full"})
		for {
			if _, err := s.record(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var roster []string
	var joinedUser string
	var offerFrom, offerSDP, serverErr string
	done := make(chan struct{})

	ch := NewChannel(wsURL(server), "alice", Handlers{
		OnRoomJoined: func(roomID string, participants []string) {
			mu.Lock()
			roster = participants
			mu.Unlock()
		},
		OnUserJoined: func(userID string, count int) {
			mu.Lock()
			joinedUser = userID
			mu.Unlock()
		},
		OnOffer: func(from string, sdp webrtc.SessionDescription) {
			mu.Lock()
			offerFrom = from
			offerSDP = sdp.SDP
			mu.Unlock()
		},
		OnServerError: func(message string) {
			mu.Lock()
			serverErr = message
			mu.Unlock()
			close(done)
		},
	})
	require.NoError(t, ch.Connect(context.Background(), "room-1"))
	defer ch.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("messages were not dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bob"}, roster)
	assert.Equal(t, "carol", joinedUser)
	assert.Equal(t, "bob", offerFrom)
	assert.Equal(t, "v=0", offerSDP)
	assert.Equal(t, "room full", serverErr)
}

func TestChannelSendWithoutTransportIsNoop(t *testing.T) {
	ch := NewChannel("ws://127.0.0.1:0", "alice", Handlers{})
	assert.NotPanics(t, func() {
		ch.Send(NewMediaState(true, false, false, false))
	})
	assert.False(t, ch.Connected())
}

func TestChannelReconnectBackoffExhaustion(t *testing.T) {
	// The server reads the join and immediately closes, so every
	// connection counts as one transport closure.
	server := newWSTestServer(t, func(conn *websocket.Conn, s *wsTestServer) {
		s.record(conn)
		conn.Close()
	})
	defer server.Close()

	var mu sync.Mutex
	var delays []time.Duration
	var reconnected int
	failed := make(chan struct{})

	ch := NewChannel(wsURL(server), "alice", Handlers{
		OnReconnecting: func(attempt int, delay time.Duration) {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
		},
		OnReconnected: func(roomID string) {
			mu.Lock()
			reconnected++
			mu.Unlock()
		},
		OnReconnectFailed: func() {
			close(failed)
		},
	})
	// Fire scheduled reconnects immediately but keep the recorded delays
	ch.afterFunc = func(d time.Duration, f func()) *time.Timer {
		go f()
		return time.NewTimer(time.Hour)
	}

	require.NoError(t, ch.Connect(context.Background(), "room-1"))

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnection attempts never exhausted")
	}

	mu.Lock()
	defer mu.Unlock()

	// Exactly five attempts, strictly increasing delays, capped at 30s
	require.Len(t, delays, 5)
	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second,
	}
	assert.Equal(t, expected, delays)
	for _, d := range delays {
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestChannelDisconnectSuppressesReconnect(t *testing.T) {
	server := newWSTestServer(t, func(conn *websocket.Conn, s *wsTestServer) {
		for {
			if _, err := s.record(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var reconnecting int
	ch := NewChannel(wsURL(server), "alice", Handlers{
		OnReconnecting: func(attempt int, delay time.Duration) {
			mu.Lock()
			reconnecting++
			mu.Unlock()
		},
	})

	require.NoError(t, ch.Connect(context.Background(), "room-1"))
	ch.Disconnect()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, reconnecting)
	assert.False(t, ch.Connected())

	msgs := server.messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, TypeLeave, msgs[len(msgs)-1].Type)
}

func TestChannelConnectTwiceRejoinsWithoutRedial(t *testing.T) {
	var mu sync.Mutex
	var dials int
	server := newWSTestServer(t, func(conn *websocket.Conn, s *wsTestServer) {
		mu.Lock()
		dials++
		mu.Unlock()
		for {
			if _, err := s.record(conn); err != nil {
				return
			}
		}
	})
	defer server.Close()

	ch := NewChannel(wsURL(server), "alice", Handlers{})
	require.NoError(t, ch.Connect(context.Background(), "room-1"))
	require.NoError(t, ch.Connect(context.Background(), "room-2"))
	defer ch.Disconnect()

	assert.Eventually(t, func() bool {
		msgs := server.messages()
		if len(msgs) < 2 {
			return false
		}
		return msgs[1].Type == TypeJoin && msgs[1].RoomID == "room-2"
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dials)
}
