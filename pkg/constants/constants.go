// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout is the write deadline for outbound WebSocket frames
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Signaling reconnection constants
const (
	// ReconnectBaseDelay is the initial reconnection backoff delay
	ReconnectBaseDelay = 1 * time.Second

	// ReconnectMaxDelay caps the exponential reconnection backoff
	ReconnectMaxDelay = 30 * time.Second

	// ReconnectMaxAttempts is the number of reconnection attempts before giving up
	ReconnectMaxAttempts = 5
)

// Call lifecycle constants
const (
	// StatsInterval is the telemetry sampling period for peer connection stats
	StatsInterval = 2 * time.Second

	// ReconnectingTimeout is how long a call may stay in the reconnecting
	// state before it is forced to ended
	ReconnectingTimeout = 30 * time.Second

	// RingingTimeout is how long an unanswered outgoing call keeps ringing
	RingingTimeout = 60 * time.Second
)

// Push notification constants
const (
	// PushTokenExpiry is how long a registered device token lives without refresh
	PushTokenExpiry = 30 * 24 * time.Hour

	// PushSendTimeout bounds a single ring fan-out to the push providers
	PushSendTimeout = 10 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)
