package telemetry

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	report   webrtc.StatsReport
	iceState webrtc.ICEConnectionState
}

func (f *fakeTransport) GetStats() webrtc.StatsReport {
	return f.report
}

func (f *fakeTransport) ICEConnectionState() webrtc.ICEConnectionState {
	return f.iceState
}

func statsWith(bytesReceived uint64, rtt float64, packetsReceived uint32, packetsLost int32, framesDecoded uint32) webrtc.StatsReport {
	return webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: rtt,
		},
		"inbound-video": webrtc.InboundRTPStreamStats{
			Kind:            "video",
			BytesReceived:   bytesReceived,
			PacketsReceived: packetsReceived,
			PacketsLost:     packetsLost,
			Jitter:          0.004,
			FramesDecoded:   framesDecoded,
			FrameWidth:      1280,
			FrameHeight:     720,
		},
		"outbound-video": webrtc.OutboundRTPStreamStats{
			BytesSent: 42_000,
		},
		"codec": webrtc.CodecStats{
			MimeType: "video/VP8",
		},
	}
}

func newClockedCollector(onSnapshot func(Snapshot)) (*Collector, *time.Time) {
	c := NewCollector(onSnapshot)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestClassifyLadder(t *testing.T) {
	tests := []struct {
		name       string
		bitrate    float64
		rtt        time.Duration
		packetLoss float64
		want       Quality
	}{
		{"no media flowing", 0, 10 * time.Millisecond, 0, QualityDisconnected},
		{"excellent", 2_000_000, 20 * time.Millisecond, 0.5, QualityExcellent},
		{"good", 800_000, 80 * time.Millisecond, 2, QualityGood},
		{"fair", 300_000, 150 * time.Millisecond, 4, QualityFair},
		{"high rtt is poor", 2_000_000, 300 * time.Millisecond, 0, QualityPoor},
		{"high loss is poor", 2_000_000, 20 * time.Millisecond, 10, QualityPoor},
		{"low bitrate is poor", 100_000, 20 * time.Millisecond, 0, QualityPoor},
		{"excellent rtt but good bitrate", 800_000, 20 * time.Millisecond, 0.5, QualityGood},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.bitrate, tt.rtt, tt.packetLoss))
		})
	}
}

func TestCollectWithoutPeersYieldsNothing(t *testing.T) {
	c, _ := newClockedCollector(nil)
	_, ok := c.Collect()
	assert.False(t, ok)
}

func TestFirstSampleContributesZeroBitrate(t *testing.T) {
	c, _ := newClockedCollector(nil)
	c.AddPeer("peer", &fakeTransport{
		report:   statsWith(500_000, 0.02, 1000, 0, 300),
		iceState: webrtc.ICEConnectionStateConnected,
	})

	snapshot, ok := c.Collect()
	require.True(t, ok)
	assert.Zero(t, snapshot.Bitrate)
	assert.Zero(t, snapshot.FrameRate)
	assert.Equal(t, QualityDisconnected, snapshot.Quality)
}

func TestBitrateFromCounterDelta(t *testing.T) {
	c, now := newClockedCollector(nil)
	transport := &fakeTransport{
		report:   statsWith(500_000, 0.02, 1000, 0, 300),
		iceState: webrtc.ICEConnectionStateConnected,
	}
	c.AddPeer("peer", transport)
	c.Collect()

	// 250 kB over 2 seconds is 1 Mbit/s; 60 decoded frames are 30 fps
	*now = now.Add(2 * time.Second)
	transport.report = statsWith(750_000, 0.02, 2000, 5, 360)

	s, ok := c.Collect()
	require.True(t, ok)
	assert.InDelta(t, 1_000_000, s.Bitrate, 1)
	assert.Equal(t, 20*time.Millisecond, s.RTT)
	assert.InDelta(t, 0.249, s.PacketLoss, 0.01)
	assert.Equal(t, QualityExcellent, s.Quality)
	assert.Equal(t, uint32(1280), s.Width)
	assert.Equal(t, uint32(720), s.Height)
	assert.Equal(t, float64(30), s.FrameRate)
	assert.Equal(t, "video/VP8", s.Codec)
	assert.Equal(t, uint64(42_000), s.BytesSent)
	assert.False(t, s.Reconnecting)
}

func TestAggregationAcrossPeers(t *testing.T) {
	c, now := newClockedCollector(nil)
	a := &fakeTransport{
		report:   statsWith(100_000, 0.020, 1000, 0, 100),
		iceState: webrtc.ICEConnectionStateConnected,
	}
	b := &fakeTransport{
		report:   statsWith(200_000, 0.040, 1000, 0, 100),
		iceState: webrtc.ICEConnectionStateConnected,
	}
	c.AddPeer("a", a)
	c.AddPeer("b", b)
	c.Collect()

	*now = now.Add(2 * time.Second)
	a.report = statsWith(350_000, 0.020, 2000, 0, 160)
	b.report = statsWith(450_000, 0.040, 2000, 0, 160)

	s, ok := c.Collect()
	require.True(t, ok)
	assert.Equal(t, 2, s.PeerCount)
	// Bitrate sums across peers, RTT averages
	assert.InDelta(t, 2_000_000, s.Bitrate, 1)
	assert.Equal(t, 30*time.Millisecond, s.RTT)
}

func TestCounterResetOnlyRebasesBitrate(t *testing.T) {
	c, now := newClockedCollector(nil)
	transport := &fakeTransport{
		report:   statsWith(500_000, 0.02, 1000, 0, 600),
		iceState: webrtc.ICEConnectionStateConnected,
	}
	c.AddPeer("peer", transport)
	c.Collect()

	// The counters went backwards, the stream restarted
	*now = now.Add(2 * time.Second)
	transport.report = statsWith(10_000, 0.02, 100, 0, 12)
	s, _ := c.Collect()
	assert.Zero(t, s.Bitrate)
	assert.Zero(t, s.FrameRate)

	// The next delta measures from the new baseline
	*now = now.Add(2 * time.Second)
	transport.report = statsWith(260_000, 0.02, 600, 0, 72)
	s, _ = c.Collect()
	assert.InDelta(t, 1_000_000, s.Bitrate, 1)
	assert.Equal(t, float64(30), s.FrameRate)
}

// A transient ICE drop is reported independently from the quality ladder
func TestReconnectingFlagIndependentOfQuality(t *testing.T) {
	c, now := newClockedCollector(nil)
	transport := &fakeTransport{
		report:   statsWith(500_000, 0.02, 1000, 0, 300),
		iceState: webrtc.ICEConnectionStateConnected,
	}
	c.AddPeer("peer", transport)
	c.Collect()

	*now = now.Add(2 * time.Second)
	transport.report = statsWith(750_000, 0.02, 2000, 0, 360)
	transport.iceState = webrtc.ICEConnectionStateDisconnected

	s, ok := c.Collect()
	require.True(t, ok)
	assert.True(t, s.Reconnecting)
	assert.Equal(t, QualityExcellent, s.Quality)

	transport.iceState = webrtc.ICEConnectionStateChecking
	*now = now.Add(2 * time.Second)
	transport.report = statsWith(1_000_000, 0.02, 3000, 0, 420)
	s, _ = c.Collect()
	assert.True(t, s.Reconnecting)
}

func TestRemovePeerDropsBaseline(t *testing.T) {
	c, now := newClockedCollector(nil)
	transport := &fakeTransport{
		report:   statsWith(500_000, 0.02, 1000, 0, 300),
		iceState: webrtc.ICEConnectionStateConnected,
	}
	c.AddPeer("peer", transport)
	c.Collect()
	c.RemovePeer("peer")

	_, ok := c.Collect()
	assert.False(t, ok)

	// Re-adding starts from scratch, so the first sample is zero again
	c.AddPeer("peer", transport)
	*now = now.Add(2 * time.Second)
	transport.report = statsWith(750_000, 0.02, 2000, 0, 360)
	s, ok := c.Collect()
	require.True(t, ok)
	assert.Zero(t, s.Bitrate)
}

func TestSnapshotCallbackInvoked(t *testing.T) {
	var got []Snapshot
	c, _ := newClockedCollector(func(s Snapshot) { got = append(got, s) })
	c.AddPeer("peer", &fakeTransport{
		report:   statsWith(500_000, 0.02, 1000, 0, 300),
		iceState: webrtc.ICEConnectionStateConnected,
	})

	c.Collect()
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].PeerCount)
}
