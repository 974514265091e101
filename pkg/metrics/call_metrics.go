// Package metrics exposes Prometheus metrics for the signaling service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveRooms tracks the number of signaling rooms with at least one socket
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_signaling_active_rooms",
		Help: "Number of signaling rooms currently open",
	})

	// ConnectedSockets tracks the number of connected signaling sockets
	ConnectedSockets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peercall_signaling_connected_sockets",
		Help: "Number of WebSocket clients connected to the signaling hub",
	})

	// SignalingMessages counts relayed signaling messages by type
	SignalingMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_signaling_messages_total",
		Help: "Total signaling messages relayed, by message type",
	}, []string{"type"})

	// CallsStarted counts calls created, by call type
	CallsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_calls_started_total",
		Help: "Total calls created, by call type",
	}, []string{"call_type"})

	// CallsEnded counts calls that reached the ended state
	CallsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peercall_calls_ended_total",
		Help: "Total calls ended",
	})

	// CallDuration observes the duration of ended calls in seconds
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peercall_call_duration_seconds",
		Help:    "Duration of ended calls",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// PushesSent counts ringing push notifications sent, by result
	PushesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peercall_pushes_sent_total",
		Help: "Total ringing push notifications sent, by result",
	}, []string{"result"})
)

// ObserveCallDuration records the duration of an ended call
func ObserveCallDuration(startedAt, endedAt time.Time) {
	if startedAt.IsZero() || endedAt.Before(startedAt) {
		return
	}
	CallDuration.Observe(endedAt.Sub(startedAt).Seconds())
}
