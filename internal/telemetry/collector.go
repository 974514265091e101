// Package telemetry samples connection statistics for the peers of a call,
// aggregates them into one composite snapshot and classifies it onto a
// quality ladder.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
)

// PeerTransport is the stats surface of one peer connection.
// *negotiation.Peer satisfies it.
type PeerTransport interface {
	GetStats() webrtc.StatsReport
	ICEConnectionState() webrtc.ICEConnectionState
}

// Quality is one rung of the connection quality ladder
type Quality string

const (
	QualityExcellent    Quality = "excellent"
	QualityGood         Quality = "good"
	QualityFair         Quality = "fair"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// Snapshot is one composite sample across every live peer connection.
// RTT, jitter and loss are averaged across peers, bitrate is summed.
// Frame rate, resolution and codec come from the first peer with video.
type Snapshot struct {
	PeerCount int

	// Bitrate is the total inbound rate in bits per second, derived from
	// byte counter deltas between consecutive samples
	Bitrate    float64
	PacketLoss float64 // percent
	RTT        time.Duration
	Jitter     float64

	FrameRate float64
	Width     uint32
	Height    uint32
	Codec     string

	BytesSent     uint64
	BytesReceived uint64

	Quality      Quality
	Reconnecting bool
	CapturedAt   time.Time
}

type counterSample struct {
	bytesReceived uint64
	framesDecoded uint32
	at            time.Time
}

// Collector periodically samples every registered peer transport
type Collector struct {
	mu         sync.Mutex
	transports map[string]PeerTransport
	prev       map[string]counterSample

	interval   time.Duration
	onSnapshot func(Snapshot)
	now        func() time.Time
}

// NewCollector creates a collector that invokes onSnapshot on every tick.
// The callback runs on the collector goroutine and must not block.
func NewCollector(onSnapshot func(Snapshot)) *Collector {
	return &Collector{
		transports: make(map[string]PeerTransport),
		prev:       make(map[string]counterSample),
		interval:   constants.StatsInterval,
		onSnapshot: onSnapshot,
		now:        time.Now,
	}
}

// AddPeer starts sampling a peer transport
func (c *Collector) AddPeer(peerID string, transport PeerTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports[peerID] = transport
}

// RemovePeer stops sampling a peer and drops its counter baseline
func (c *Collector) RemovePeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transports, peerID)
	delete(c.prev, peerID)
}

// Run samples on each tick until the context is cancelled
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect samples every registered peer once and returns the composite
// snapshot. The second result is false when no peers are registered.
func (c *Collector) Collect() (Snapshot, bool) {
	c.mu.Lock()
	transports := make(map[string]PeerTransport, len(c.transports))
	for id, t := range c.transports {
		transports[id] = t
	}
	c.mu.Unlock()

	if len(transports) == 0 {
		return Snapshot{}, false
	}

	now := c.now()
	snapshot := Snapshot{PeerCount: len(transports), CapturedAt: now}

	var rttSum time.Duration
	var rttPeers int
	var jitterSum, lossSum float64
	var jitterPeers, lossPeers int

	for peerID, transport := range transports {
		sample := readPeerStats(transport.GetStats())

		snapshot.BytesReceived += sample.bytesReceived
		snapshot.BytesSent += sample.bytesSent
		bitrate, frameRate := c.rates(peerID, sample.bytesReceived, sample.framesDecoded, now)
		snapshot.Bitrate += bitrate

		if sample.rtt > 0 {
			rttSum += sample.rtt
			rttPeers++
		}
		if sample.hasJitter {
			jitterSum += sample.jitter
			jitterPeers++
		}
		if sample.hasLoss {
			lossSum += sample.lossPercent
			lossPeers++
		}
		if snapshot.Codec == "" {
			snapshot.Codec = sample.codec
		}
		if snapshot.Width == 0 && sample.width > 0 {
			snapshot.Width = sample.width
			snapshot.Height = sample.height
			snapshot.FrameRate = frameRate
		}

		state := transport.ICEConnectionState()
		if state == webrtc.ICEConnectionStateDisconnected || state == webrtc.ICEConnectionStateChecking {
			snapshot.Reconnecting = true
		}
	}

	if rttPeers > 0 {
		snapshot.RTT = rttSum / time.Duration(rttPeers)
	}
	if jitterPeers > 0 {
		snapshot.Jitter = jitterSum / float64(jitterPeers)
	}
	if lossPeers > 0 {
		snapshot.PacketLoss = lossSum / float64(lossPeers)
	}

	snapshot.Quality = Classify(snapshot.Bitrate, snapshot.RTT, snapshot.PacketLoss)

	logger.Debug("Connection sample",
		zap.Int("peers", snapshot.PeerCount),
		zap.Float64("bitrate", snapshot.Bitrate),
		zap.Duration("rtt", snapshot.RTT),
		zap.Float64("packet_loss", snapshot.PacketLoss),
		zap.String("quality", string(snapshot.Quality)),
		zap.Bool("reconnecting", snapshot.Reconnecting))

	if c.onSnapshot != nil {
		c.onSnapshot(snapshot)
	}
	return snapshot, true
}

type peerSample struct {
	bytesReceived uint64
	bytesSent     uint64
	rtt           time.Duration
	jitter        float64
	hasJitter     bool
	lossPercent   float64
	hasLoss       bool
	framesDecoded uint32
	width, height uint32
	codec         string
}

func readPeerStats(report webrtc.StatsReport) peerSample {
	var sample peerSample
	var packetsLost int64
	var packetsReceived uint64

	for _, stat := range report {
		switch s := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
				sample.rtt = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
		case webrtc.InboundRTPStreamStats:
			sample.bytesReceived += s.BytesReceived
			if s.PacketsLost > 0 {
				packetsLost += int64(s.PacketsLost)
			}
			packetsReceived += uint64(s.PacketsReceived)
			if s.Kind == "video" {
				sample.jitter = s.Jitter
				sample.hasJitter = true
				sample.framesDecoded = s.FramesDecoded
				sample.width = s.FrameWidth
				sample.height = s.FrameHeight
			} else if !sample.hasJitter {
				sample.jitter = s.Jitter
				sample.hasJitter = true
			}
		case webrtc.OutboundRTPStreamStats:
			sample.bytesSent += s.BytesSent
		case webrtc.CodecStats:
			if sample.codec == "" {
				sample.codec = s.MimeType
			}
		}
	}

	if total := packetsReceived + uint64(packetsLost); total > 0 {
		sample.lossPercent = float64(packetsLost) / float64(total) * 100
		sample.hasLoss = true
	}
	return sample
}

// rates derives bits per second and frames per second from the cumulative
// counter deltas. The first sample for a peer contributes zero, and a
// shrinking counter means the underlying stream restarted, so that sample
// only resets the baseline.
func (c *Collector) rates(peerID string, bytesReceived uint64, framesDecoded uint32, now time.Time) (bitrate, frameRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.prev[peerID]
	c.prev[peerID] = counterSample{bytesReceived: bytesReceived, framesDecoded: framesDecoded, at: now}

	if !ok {
		return 0, 0
	}
	seconds := now.Sub(prev.at).Seconds()
	if seconds <= 0 {
		return 0, 0
	}
	if bytesReceived >= prev.bytesReceived {
		bitrate = float64(bytesReceived-prev.bytesReceived) * 8 / seconds
	}
	if framesDecoded >= prev.framesDecoded {
		frameRate = float64(framesDecoded-prev.framesDecoded) / seconds
	}
	return bitrate, frameRate
}

// Classify places a sample on the quality ladder. Zero inbound bitrate
// means no media is flowing at all.
func Classify(bitrate float64, rtt time.Duration, packetLoss float64) Quality {
	switch {
	case bitrate == 0:
		return QualityDisconnected
	case rtt < 50*time.Millisecond && packetLoss < 1 && bitrate > 1_000_000:
		return QualityExcellent
	case rtt < 100*time.Millisecond && packetLoss < 3 && bitrate > 500_000:
		return QualityGood
	case rtt < 200*time.Millisecond && packetLoss < 5 && bitrate > 200_000:
		return QualityFair
	default:
		return QualityPoor
	}
}
