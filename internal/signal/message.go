// Package signal defines the signaling message envelope and the client-side
// signaling channel with automatic reconnection.
package signal

import (
	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message
type MessageType string

// Client-originated message types
const (
	TypeJoin       MessageType = "join"
	TypeOffer      MessageType = "offer"
	TypeAnswer     MessageType = "answer"
	TypeCandidate  MessageType = "ice-candidate"
	TypeMediaState MessageType = "media-state"
	TypeLeave      MessageType = "leave"
	TypeCallEnded  MessageType = "call-ended"
)

// Server-originated message types
const (
	TypeRoomJoined        MessageType = "room-joined"
	TypeUserJoined        MessageType = "user-joined"
	TypeUserLeft          MessageType = "user-left"
	TypeMediaStateChanged MessageType = "media-state-changed"
	TypeError             MessageType = "error"
)

// Message is the JSON envelope exchanged over the signaling WebSocket.
// Fields are populated per message type; unknown types are ignored by
// receivers.
type Message struct {
	Type         MessageType `json:"type"`
	RoomID       string      `json:"roomId,omitempty"`
	UserID       string      `json:"userId,omitempty"`
	TargetUserID string      `json:"targetUserId,omitempty"`

	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	// Out-of-band media flags, always sent as a full set on media-state
	// messages. Never renegotiated via SDP.
	IsMuted         bool `json:"isMuted,omitempty"`
	IsVideoOn       bool `json:"isVideoOn,omitempty"`
	IsScreenSharing bool `json:"isScreenSharing,omitempty"`
	IsHandRaised    bool `json:"isHandRaised,omitempty"`

	// Server-added roster fields
	Participants     []string `json:"participants,omitempty"`
	ParticipantCount int      `json:"participantCount,omitempty"`

	// Error text for type "error"
	Message string `json:"message,omitempty"`
}

// NewJoin builds a join message for a room
func NewJoin(roomID, userID string) Message {
	return Message{Type: TypeJoin, RoomID: roomID, UserID: userID}
}

// NewLeave builds a leave message
func NewLeave(roomID, userID string) Message {
	return Message{Type: TypeLeave, RoomID: roomID, UserID: userID}
}

// NewOffer builds an offer addressed to one peer
func NewOffer(targetUserID string, sdp webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, TargetUserID: targetUserID, SDP: &sdp}
}

// NewAnswer builds an answer addressed to one peer
func NewAnswer(targetUserID string, sdp webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, TargetUserID: targetUserID, SDP: &sdp}
}

// NewCandidate builds a trickled ICE candidate addressed to one peer
func NewCandidate(targetUserID string, candidate webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, TargetUserID: targetUserID, Candidate: &candidate}
}

// NewMediaState builds an out-of-band media state broadcast
func NewMediaState(isMuted, isVideoOn, isScreenSharing, isHandRaised bool) Message {
	return Message{
		Type:            TypeMediaState,
		IsMuted:         isMuted,
		IsVideoOn:       isVideoOn,
		IsScreenSharing: isScreenSharing,
		IsHandRaised:    isHandRaised,
	}
}
