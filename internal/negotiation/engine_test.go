package negotiation

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/signal"
)

type captureSignaler struct {
	mu   sync.Mutex
	sent []signal.Message
}

func (s *captureSignaler) Send(msg signal.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
}

func (s *captureSignaler) lastOfType(msgType signal.MessageType) (signal.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Type == msgType {
			return s.sent[i], true
		}
	}
	return signal.Message{}, false
}

func newTestEngine(t *testing.T) (*Engine, *captureSignaler) {
	t.Helper()
	sig := &captureSignaler{}
	engine := NewEngine(Config{CallType: domain.CallTypeVideo}, sig)
	t.Cleanup(engine.Close)
	return engine, sig
}

const testCandidate = "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host"

func TestHandleUserJoinedSendsOffer(t *testing.T) {
	engine, sig := newTestEngine(t)

	require.NoError(t, engine.HandleUserJoined("peer-b"))

	offer, ok := sig.lastOfType(signal.TypeOffer)
	require.True(t, ok, "no offer was sent")
	assert.Equal(t, "peer-b", offer.TargetUserID)
	require.NotNil(t, offer.SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.SDP.Type)
	assert.NotEmpty(t, offer.SDP.SDP)
	assert.Contains(t, engine.Peers(), "peer-b")
}

func TestOfferAnswerExchangeCompletes(t *testing.T) {
	offerer, offererSig := newTestEngine(t)
	answerer, answererSig := newTestEngine(t)

	require.NoError(t, offerer.HandleUserJoined("answerer"))
	offer, ok := offererSig.lastOfType(signal.TypeOffer)
	require.True(t, ok)

	require.NoError(t, answerer.HandleOffer("offerer", *offer.SDP))
	answer, ok := answererSig.lastOfType(signal.TypeAnswer)
	require.True(t, ok)
	assert.Equal(t, "offerer", answer.TargetUserID)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.SDP.Type)

	require.NoError(t, offerer.HandleAnswer("answerer", *answer.SDP))

	peer, ok := offerer.Transport("answerer")
	require.True(t, ok)
	assert.Equal(t, webrtc.SignalingStateStable, peer.pc.SignalingState())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	offerer, offererSig := newTestEngine(t)
	answerer, answererSig := newTestEngine(t)

	require.NoError(t, offerer.HandleUserJoined("answerer"))

	// Trickled candidates race the answer and must not be dropped
	require.NoError(t, offerer.HandleCandidate("answerer", webrtc.ICECandidateInit{Candidate: testCandidate}))
	require.NoError(t, offerer.HandleCandidate("answerer", webrtc.ICECandidateInit{Candidate: testCandidate}))

	peer, ok := offerer.Transport("answerer")
	require.True(t, ok)
	peer.mu.Lock()
	buffered := len(peer.pending)
	peer.mu.Unlock()
	assert.Equal(t, 2, buffered)

	offer, _ := offererSig.lastOfType(signal.TypeOffer)
	require.NoError(t, answerer.HandleOffer("offerer", *offer.SDP))
	answer, _ := answererSig.lastOfType(signal.TypeAnswer)
	require.NoError(t, offerer.HandleAnswer("answerer", *answer.SDP))

	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.True(t, peer.remoteSet)
	assert.Empty(t, peer.pending, "buffered candidates were not flushed")
}

func TestCandidateAppliedDirectlyAfterRemoteDescription(t *testing.T) {
	offerer, offererSig := newTestEngine(t)
	answerer, _ := newTestEngine(t)

	require.NoError(t, offerer.HandleUserJoined("answerer"))
	offer, _ := offererSig.lastOfType(signal.TypeOffer)
	require.NoError(t, answerer.HandleOffer("offerer", *offer.SDP))

	// The answerer has the remote description, candidates apply immediately
	require.NoError(t, answerer.HandleCandidate("offerer", webrtc.ICECandidateInit{Candidate: testCandidate}))

	peer, ok := answerer.Transport("offerer")
	require.True(t, ok)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	assert.Empty(t, peer.pending)
}

func TestCandidateFromUnknownPeerFails(t *testing.T) {
	engine, _ := newTestEngine(t)

	err := engine.HandleCandidate("stranger", webrtc.ICECandidateInit{Candidate: testCandidate})
	assert.Error(t, err)

	err = engine.HandleAnswer("stranger", webrtc.SessionDescription{})
	assert.Error(t, err)
}

func TestHandleUserLeftRemovesPeer(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.HandleUserJoined("peer-b"))
	require.Contains(t, engine.Peers(), "peer-b")

	engine.HandleUserLeft("peer-b")
	assert.NotContains(t, engine.Peers(), "peer-b")

	// Leaving twice is harmless
	engine.HandleUserLeft("peer-b")
}

func TestCloseTearsDownAllPeers(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.HandleUserJoined("peer-b"))
	require.NoError(t, engine.HandleUserJoined("peer-c"))

	engine.Close()
	assert.Empty(t, engine.Peers())
}
