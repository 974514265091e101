package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallType identifies the media profile of a call
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle status of a call record.
// The only legal transition is active -> ended; ended is terminal.
type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
)

// Call represents one call session
type Call struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	HostID         uuid.UUID  `json:"host_id"`
	CallType       CallType   `json:"call_type"`
	Status         CallStatus `json:"status"`
	// StartedAt is nil until the first remote peer actually connects
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Ended reports whether the call has reached its terminal status
func (c *Call) Ended() bool {
	return c.Status == CallStatusEnded
}

// Participant represents one (call, user) membership row.
// LeftAt == nil means the user is currently present; a rejoin clears LeftAt
// and refreshes JoinedAt rather than inserting a second row.
type Participant struct {
	ID              uuid.UUID  `json:"id"`
	CallID          uuid.UUID  `json:"call_id"`
	UserID          uuid.UUID  `json:"user_id"`
	JoinedAt        time.Time  `json:"joined_at"`
	LeftAt          *time.Time `json:"left_at,omitempty"`
	IsMuted         bool       `json:"is_muted"`
	IsVideoOn       bool       `json:"is_video_on"`
	IsScreenSharing bool       `json:"is_screen_sharing"`
	IsHandRaised    bool       `json:"is_hand_raised"`
}

// Present reports whether the participant is currently in the call
func (p *Participant) Present() bool {
	return p.LeftAt == nil
}

// MediaState carries the out-of-band media flags of a participant.
// These are never renegotiated over SDP; they travel as signaling messages
// and are mirrored into the Participant row.
type MediaState struct {
	IsMuted         bool `json:"is_muted"`
	IsVideoOn       bool `json:"is_video_on"`
	IsScreenSharing bool `json:"is_screen_sharing"`
	IsHandRaised    bool `json:"is_hand_raised"`
}
