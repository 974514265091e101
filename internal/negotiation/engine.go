// Package negotiation drives SDP and ICE exchange for the peers of one
// call. Roles are fixed to avoid glare: a member already in the room offers
// to each newcomer, and the newcomer answers.
package negotiation

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/signal"
	"peercall-backend/pkg/logger"
)

// Signaler sends signaling messages to the room. *signal.Channel satisfies it.
type Signaler interface {
	Send(msg signal.Message)
}

// Config controls peer connection construction
type Config struct {
	ICEServers []webrtc.ICEServer
	CallType   domain.CallType
}

// DefaultICEServers is used when no servers are configured
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// Engine owns one peer connection per remote participant and runs the
// offer/answer and trickle-ICE exchange over the signaling channel.
type Engine struct {
	cfg      Config
	signaler Signaler

	mu    sync.Mutex
	peers map[string]*Peer

	localTracks []webrtc.TrackLocal

	// Overridable in tests
	newPeerConnection func(config webrtc.Configuration) (*webrtc.PeerConnection, error)

	onTrack          func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onICEStateChange func(peerID string, state webrtc.ICEConnectionState)
	onPeerFailed     func(peerID string)
}

// Peer wraps one remote participant's connection. Remote candidates that
// arrive before the remote description are buffered and applied in arrival
// order once it lands.
type Peer struct {
	id string
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewEngine creates a negotiation engine bound to a signaler
func NewEngine(cfg Config, signaler Signaler) *Engine {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultICEServers
	}
	api := webrtc.NewAPI()
	return &Engine{
		cfg:               cfg,
		signaler:          signaler,
		peers:             make(map[string]*Peer),
		newPeerConnection: api.NewPeerConnection,
	}
}

// AddLocalTrack registers a track that every peer connection will send.
// Must be called before peers are created.
func (e *Engine) AddLocalTrack(track webrtc.TrackLocal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localTracks = append(e.localTracks, track)
}

// OnTrack registers the callback for inbound remote media
func (e *Engine) OnTrack(fn func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	e.onTrack = fn
}

// OnICEStateChange registers the callback for per-peer ICE transitions
func (e *Engine) OnICEStateChange(fn func(peerID string, state webrtc.ICEConnectionState)) {
	e.onICEStateChange = fn
}

// OnPeerFailed registers the callback invoked when a peer's ICE agent
// reaches the failed state
func (e *Engine) OnPeerFailed(fn func(peerID string)) {
	e.onPeerFailed = fn
}

// HandleUserJoined creates a connection for the newcomer and sends it an
// offer. Called by the peer that was already in the room.
func (e *Engine) HandleUserJoined(peerID string) error {
	peer, err := e.createPeer(peerID)
	if err != nil {
		return err
	}

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		e.HandleUserLeft(peerID)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		e.HandleUserLeft(peerID)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	e.signaler.Send(signal.NewOffer(peerID, offer))

	logger.Debug("Sent offer", zap.String("peer_id", peerID))
	return nil
}

// HandleOffer answers an inbound offer. A fresh connection replaces any
// existing one for the peer, which also covers an offering peer that
// restarted mid-negotiation.
func (e *Engine) HandleOffer(from string, sdp webrtc.SessionDescription) error {
	e.mu.Lock()
	if existing, ok := e.peers[from]; ok && existing.pc.SignalingState() != webrtc.SignalingStateStable {
		delete(e.peers, from)
		existing.pc.Close()
	}
	e.mu.Unlock()

	peer, err := e.createPeer(from)
	if err != nil {
		return err
	}

	if err := peer.setRemoteDescription(sdp); err != nil {
		e.HandleUserLeft(from)
		return fmt.Errorf("failed to set remote offer: %w", err)
	}

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		e.HandleUserLeft(from)
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		e.HandleUserLeft(from)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	e.signaler.Send(signal.NewAnswer(from, answer))

	logger.Debug("Sent answer", zap.String("peer_id", from))
	return nil
}

// HandleAnswer completes the exchange started by HandleUserJoined
func (e *Engine) HandleAnswer(from string, sdp webrtc.SessionDescription) error {
	peer, ok := e.peer(from)
	if !ok {
		return fmt.Errorf("answer from unknown peer %s", from)
	}
	if err := peer.setRemoteDescription(sdp); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// HandleCandidate applies a trickled remote candidate, buffering it when the
// remote description has not landed yet.
func (e *Engine) HandleCandidate(from string, candidate webrtc.ICECandidateInit) error {
	peer, ok := e.peer(from)
	if !ok {
		return fmt.Errorf("candidate from unknown peer %s", from)
	}
	return peer.addCandidate(candidate)
}

// HandleUserLeft tears down the connection to a departed peer
func (e *Engine) HandleUserLeft(peerID string) {
	e.mu.Lock()
	peer, ok := e.peers[peerID]
	delete(e.peers, peerID)
	e.mu.Unlock()

	if ok {
		if err := peer.pc.Close(); err != nil {
			logger.Warn("Failed to close peer connection",
				zap.String("peer_id", peerID),
				zap.Error(err))
		}
	}
}

// Close tears down every peer connection
func (e *Engine) Close() {
	e.mu.Lock()
	peers := e.peers
	e.peers = make(map[string]*Peer)
	e.mu.Unlock()

	for _, peer := range peers {
		peer.pc.Close()
	}
}

// Peers returns the IDs of all current peers
func (e *Engine) Peers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	return ids
}

// Transport exposes a peer's stats surface for the telemetry collector
func (e *Engine) Transport(peerID string) (*Peer, bool) {
	return e.peer(peerID)
}

func (e *Engine) peer(peerID string) (*Peer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	peer, ok := e.peers[peerID]
	return peer, ok
}

func (e *Engine) createPeer(peerID string) (*Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.peers[peerID]; ok {
		return existing, nil
	}

	pc, err := e.newPeerConnection(webrtc.Configuration{ICEServers: e.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &Peer{id: peerID, pc: pc}

	if len(e.localTracks) > 0 {
		for _, track := range e.localTracks {
			if _, err := pc.AddTrack(track); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add local track: %w", err)
			}
		}
	} else {
		// Receive-only transceivers so the offer still negotiates media
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
		if e.cfg.CallType == domain.CallTypeVideo {
			if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add video transceiver: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		e.signaler.Send(signal.NewCandidate(peerID, c.ToJSON()))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger.Debug("Remote track",
			zap.String("peer_id", peerID),
			zap.String("kind", track.Kind().String()))
		if e.onTrack != nil {
			e.onTrack(peerID, track, receiver)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ICE state",
			zap.String("peer_id", peerID),
			zap.String("state", state.String()))
		if e.onICEStateChange != nil {
			e.onICEStateChange(peerID, state)
		}
		if state == webrtc.ICEConnectionStateFailed && e.onPeerFailed != nil {
			e.onPeerFailed(peerID)
		}
	})

	e.peers[peerID] = peer
	return peer, nil
}

// setRemoteDescription applies the remote SDP and flushes buffered
// candidates in the order they arrived.
func (p *Peer) setRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.remoteSet = true
	p.mu.Unlock()

	for _, candidate := range pending {
		if err := p.pc.AddICECandidate(candidate); err != nil {
			logger.Warn("Failed to apply buffered candidate",
				zap.String("peer_id", p.id),
				zap.Error(err))
		}
	}
	return nil
}

func (p *Peer) addCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.pc.AddICECandidate(candidate)
}

// GetStats exposes the underlying stats report for telemetry
func (p *Peer) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

// ICEConnectionState reports the peer's current ICE state
func (p *Peer) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}
