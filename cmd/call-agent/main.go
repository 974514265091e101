// Command call-agent is a headless call participant. Pointed at a call it
// joins the signaling room, negotiates peer connections and reports media
// quality. Without a call ID it watches the change feed for incoming calls
// addressed to its user and answers them automatically.
package main

import (
	"context"
	"log"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	"peercall-backend/internal/lifecycle"
	"peercall-backend/internal/negotiation"
	postgresRepo "peercall-backend/internal/repository/postgres"
	redisRepo "peercall-backend/internal/repository/redis"
	sigchannel "peercall-backend/internal/signal"
	"peercall-backend/internal/telemetry"
	"peercall-backend/pkg/env"
	"peercall-backend/pkg/logger"
)

func main() {
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", "text"),
		Output: "stdout",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	userID, err := uuid.Parse(env.GetString("AGENT_USER_ID", ""))
	if err != nil {
		log.Fatalf("AGENT_USER_ID must be a valid UUID: %v", err)
	}

	signalingURL := env.GetString("SIGNALING_URL", "ws://localhost:8083/v1/calls/ws/signaling")
	token := env.GetStringFromFile("AGENT_TOKEN", "")
	if token == "" {
		log.Fatal("AGENT_TOKEN environment variable is required")
	}

	callType := domain.CallType(env.GetString("CALL_TYPE", "audio"))
	if callType != domain.CallTypeAudio && callType != domain.CallTypeVideo {
		log.Fatalf("CALL_TYPE must be audio or video, got %q", callType)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channelURL := signalingURL + "?token=" + token

	if callID := env.GetString("CALL_ID", ""); callID != "" {
		id, err := uuid.Parse(callID)
		if err != nil {
			log.Fatalf("CALL_ID must be a valid UUID: %v", err)
		}
		a := newAgent(channelURL, userID, callType)
		a.joinCall(ctx, id)
		select {
		case <-a.done:
		case <-ctx.Done():
			a.hangup()
			<-a.done
		}
		return
	}

	// No call given: answer incoming calls off the change feed, one at a
	// time with a fresh agent per call
	notifier, cleanup := watchIncoming(ctx, channelURL, userID, callType)
	defer cleanup()
	defer notifier.Close()

	<-ctx.Done()
}

// agent bundles the client-side call stack around a single active call
type agent struct {
	userID   uuid.UUID
	callType domain.CallType

	channel   *sigchannel.Channel
	engine    *negotiation.Engine
	machine   *lifecycle.Machine
	collector *telemetry.Collector

	done      chan struct{}
	statsStop context.CancelFunc
	statsCtx  context.Context
}

func newAgent(channelURL string, userID uuid.UUID, callType domain.CallType) *agent {
	a := &agent{
		userID:   userID,
		callType: callType,
		done:     make(chan struct{}),
	}

	a.machine = lifecycle.NewMachine(lifecycle.Hooks{
		OnTransition: func(from, to lifecycle.State) {
			logger.Info("Call state changed",
				zap.String("from", string(from)),
				zap.String("to", string(to)))
		},
		Cleanup: a.teardown,
	})

	a.collector = telemetry.NewCollector(func(s telemetry.Snapshot) {
		logger.Info("Call quality",
			zap.String("quality", string(s.Quality)),
			zap.Int("peers", s.PeerCount),
			zap.Float64("bitrate_bps", s.Bitrate),
			zap.Duration("rtt", s.RTT),
			zap.Float64("packet_loss_pct", s.PacketLoss),
			zap.Bool("reconnecting", s.Reconnecting))
	})

	a.channel = sigchannel.NewChannel(channelURL, userID.String(), sigchannel.Handlers{
		OnRoomJoined: func(roomID string, participants []string) {
			a.machine.CreateSucceeded()
			if len(participants) > 0 {
				a.machine.RemoteJoined()
			}
		},
		OnUserJoined: func(peerID string, count int) {
			a.machine.RemoteJoined()
			if err := a.engine.HandleUserJoined(peerID); err != nil {
				logger.Warn("Failed to offer to joining peer",
					zap.String("peer_id", peerID),
					zap.Error(err))
			}
		},
		OnUserLeft: func(peerID string, count int) {
			a.engine.HandleUserLeft(peerID)
			a.collector.RemovePeer(peerID)
		},
		OnOffer: func(from string, sdp webrtc.SessionDescription) {
			a.machine.RemoteJoined()
			if err := a.engine.HandleOffer(from, sdp); err != nil {
				logger.Warn("Failed to answer offer",
					zap.String("peer_id", from),
					zap.Error(err))
			}
		},
		OnAnswer: func(from string, sdp webrtc.SessionDescription) {
			if err := a.engine.HandleAnswer(from, sdp); err != nil {
				logger.Warn("Failed to apply answer",
					zap.String("peer_id", from),
					zap.Error(err))
			}
		},
		OnCandidate: func(from string, candidate webrtc.ICECandidateInit) {
			if err := a.engine.HandleCandidate(from, candidate); err != nil {
				logger.Warn("Failed to apply remote candidate",
					zap.String("peer_id", from),
					zap.Error(err))
			}
		},
		OnMediaState: func(from string, state domain.MediaState) {
			logger.Info("Peer media state",
				zap.String("peer_id", from),
				zap.Bool("muted", state.IsMuted),
				zap.Bool("video", state.IsVideoOn))
		},
		OnCallEnded: func(roomID string) {
			a.machine.RemoteEnded()
		},
		OnServerError: func(message string) {
			logger.Warn("Signaling error", zap.String("message", message))
		},
		OnReconnecting: func(attempt int, delay time.Duration) {
			a.machine.ICEDegraded()
			logger.Warn("Signaling transport lost, reconnecting",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
		},
		OnReconnected: func(roomID string) {
			a.machine.ICERecovered()
		},
		OnReconnectFailed: func() {
			logger.Error("Signaling reconnection exhausted, ending call")
			a.machine.RemoteEnded()
		},
	})

	a.engine = negotiation.NewEngine(negotiation.Config{
		ICEServers: iceServersFromEnv(),
		CallType:   callType,
	}, a.channel)

	a.engine.OnTrack(func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		a.machine.MediaReceived()
		if transport, ok := a.engine.Transport(peerID); ok {
			a.collector.AddPeer(peerID, transport)
		}
	})
	a.engine.OnICEStateChange(func(peerID string, state webrtc.ICEConnectionState) {
		switch {
		case iceStateDegraded(state):
			a.machine.ICEDegraded()
		case state == webrtc.ICEConnectionStateConnected:
			a.machine.ICERecovered()
		}
	})
	a.engine.OnPeerFailed(func(peerID string) {
		logger.Warn("Peer transport failed", zap.String("peer_id", peerID))
		a.engine.HandleUserLeft(peerID)
		a.collector.RemovePeer(peerID)
	})

	return a
}

// joinCall dials the signaling room for the call and starts the stats loop
func (a *agent) joinCall(ctx context.Context, callID uuid.UUID) {
	a.machine.BeginCreate()

	a.statsCtx, a.statsStop = context.WithCancel(ctx)
	go a.collector.Run(a.statsCtx)

	if err := a.channel.Connect(ctx, callID.String()); err != nil {
		logger.Error("Failed to connect to signaling",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		a.machine.CreateFailed()
		close(a.done)
		return
	}

	logger.Info("Joined call", zap.String("call_id", callID.String()))
}

// answerCall is joinCall for a ringing incoming call
func (a *agent) answerCall(ctx context.Context, call *domain.Call) {
	a.machine.RingIncoming()
	a.machine.Accept()

	a.statsCtx, a.statsStop = context.WithCancel(ctx)
	go a.collector.Run(a.statsCtx)

	if err := a.channel.Connect(ctx, call.ID.String()); err != nil {
		logger.Error("Failed to answer call",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
		a.machine.RemoteEnded()
		return
	}

	logger.Info("Answered call",
		zap.String("call_id", call.ID.String()),
		zap.String("host_id", call.HostID.String()))
}

func (a *agent) hangup() {
	a.machine.LocalLeave()
}

// teardown runs exactly once when the machine reaches ended
func (a *agent) teardown() {
	if a.statsStop != nil {
		a.statsStop()
	}
	a.engine.Close()
	a.channel.Disconnect()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// watchIncoming subscribes to the change feed and answers calls in
// conversations the agent's user belongs to
func watchIncoming(ctx context.Context, channelURL string, userID uuid.UUID, callType domain.CallType) (*lifecycle.Notifier, func()) {
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		PoolSize: 2,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to create Redis client: %v", err)
	}

	db, err := database.NewPostgresDB(ctx, &database.PostgresConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 5432),
		User:     env.GetString("DB_USER", "postgres"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "peercall"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	})
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}

	feedRepo := redisRepo.NewFeedRepository(redisDB)
	conversationRepo := postgresRepo.NewConversationRepository(db.Pool)

	var mu sync.Mutex
	var active *agent

	notifier := lifecycle.NewNotifier(userID, feedRepo, conversationRepo,
		func(call *domain.Call) {
			mu.Lock()
			defer mu.Unlock()
			if active != nil {
				select {
				case <-active.done:
				default:
					logger.Info("Already in a call, letting it ring",
						zap.String("call_id", call.ID.String()))
					return
				}
			}
			active = newAgent(channelURL, userID, callType)
			active.answerCall(ctx, call)
		},
		func(callID uuid.UUID) {
			mu.Lock()
			defer mu.Unlock()
			if active != nil {
				active.machine.RemoteEnded()
			}
		})

	if err := notifier.Start(ctx); err != nil {
		log.Fatalf("Failed to subscribe to change feed: %v", err)
	}
	logger.Info("Waiting for incoming calls", zap.String("user_id", userID.String()))

	cleanup := func() {
		db.Close()
		redisDB.Close()
	}
	return notifier, cleanup
}

// iceStateDegraded reports whether an ICE connection state should move the
// call into its reconnecting phase. Checking counts too: after a transport
// drop the agent is renegotiating, not connected.
func iceStateDegraded(s webrtc.ICEConnectionState) bool {
	return s == webrtc.ICEConnectionStateDisconnected || s == webrtc.ICEConnectionStateChecking
}

func iceServersFromEnv() []webrtc.ICEServer {
	raw := env.GetString("ICE_SERVERS", "")
	if raw == "" {
		return negotiation.DefaultICEServers
	}

	var servers []webrtc.ICEServer
	for _, url := range strings.Split(raw, ",") {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		server := webrtc.ICEServer{URLs: []string{url}}
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			server.Username = env.GetString("TURN_USERNAME", "")
			server.Credential = env.GetStringFromFile("TURN_PASSWORD", "")
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return negotiation.DefaultICEServers
	}
	return servers
}
