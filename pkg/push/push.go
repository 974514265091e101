// Package push sends ringing notifications to devices of callees that are
// not connected to the realtime change feed.
package push

import (
	"context"

	"github.com/google/uuid"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// RingPayload is the data payload attached to an incoming-call notification
type RingPayload struct {
	CallID         uuid.UUID `json:"call_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	HostID         uuid.UUID `json:"host_id"`
	CallType       string    `json:"call_type"`
}

// Data flattens the payload into the string map FCM/APNs expect
func (p *RingPayload) Data() map[string]string {
	return map[string]string{
		"call_id":         p.CallID.String(),
		"conversation_id": p.ConversationID.String(),
		"host_id":         p.HostID.String(),
		"call_type":       p.CallType,
	}
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`
	Token  string    `json:"token"`
	Type   TokenType `json:"type"`
}

// TokenRepository defines interface for retrieving push tokens
type TokenRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
}
