// Package call implements the call session lifecycle: creation, ringing,
// join/leave bookkeeping and race-safe termination.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/signal"
	"peercall-backend/pkg/constants"
	apperrors "peercall-backend/pkg/errors"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/push"
)

// CallRepository defines the persistence operations the service needs
type CallRepository interface {
	Create(ctx context.Context, call *domain.Call) error
	Delete(ctx context.Context, callID uuid.UUID) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error)
	MarkStarted(ctx context.Context, callID uuid.UUID) error
	End(ctx context.Context, callID uuid.UUID) (bool, error)
	UpsertParticipant(ctx context.Context, p *domain.Participant) error
	MarkLeft(ctx context.Context, callID, userID uuid.UUID) error
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.Participant, error)
	CountPresent(ctx context.Context, callID uuid.UUID) (int, error)
	UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, state domain.MediaState) error
}

// ConversationRepository resolves conversation membership
type ConversationRepository interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// ChangeFeed publishes row changes and signaling fan-out messages
type ChangeFeed interface {
	PublishCall(ctx context.Context, op domain.FeedOp, call *domain.Call) error
	PublishParticipant(ctx context.Context, op domain.FeedOp, p *domain.Participant) error
	PublishSignal(ctx context.Context, callID uuid.UUID, payload []byte) error
}

// Service handles call session business logic
type Service struct {
	callRepo  CallRepository
	convoRepo ConversationRepository
	feed      ChangeFeed

	providers map[push.TokenType]push.Provider
	tokenRepo push.TokenRepository

	pushTimeout time.Duration
}

// NewService creates a new call service. The push providers map may be empty
// when ringing notifications are disabled.
func NewService(
	callRepo CallRepository,
	convoRepo ConversationRepository,
	feed ChangeFeed,
	providers map[push.TokenType]push.Provider,
	tokenRepo push.TokenRepository,
) *Service {
	return &Service{
		callRepo:    callRepo,
		convoRepo:   convoRepo,
		feed:        feed,
		providers:   providers,
		tokenRepo:   tokenRepo,
		pushTimeout: constants.PushSendTimeout,
	}
}

// StartCall creates a call in the conversation and rings the other members.
// A conversation carries at most one live call, so a second start while one
// is active fails with the active-call error.
func (s *Service) StartCall(ctx context.Context, conversationID, hostID uuid.UUID, callType domain.CallType) (*domain.Call, error) {
	isMember, err := s.convoRepo.IsParticipant(ctx, conversationID, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation membership: %w", err)
	}
	if !isMember {
		return nil, apperrors.ErrNotMember
	}

	existing, err := s.callRepo.GetActiveByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active call: %w", err)
	}
	if existing != nil {
		return existing, apperrors.ErrCallActive
	}

	call := &domain.Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		HostID:         hostID,
		CallType:       callType,
		Status:         domain.CallStatusActive,
		CreatedAt:      time.Now(),
	}

	if err := s.callRepo.Create(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}

	host := &domain.Participant{
		ID:       uuid.New(),
		CallID:   call.ID,
		UserID:   hostID,
		JoinedAt: time.Now(),
	}
	if err := s.callRepo.UpsertParticipant(ctx, host); err != nil {
		// Compensate so a half-created call never lingers as active
		if delErr := s.callRepo.Delete(ctx, call.ID); delErr != nil {
			logger.Error("Failed to roll back call creation",
				zap.String("call_id", call.ID.String()),
				zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to add host participant: %w", err)
	}

	s.publishCall(ctx, domain.FeedOpInsert, call)
	s.publishParticipant(ctx, domain.FeedOpInsert, host)

	metrics.CallsStarted.WithLabelValues(string(callType)).Inc()

	go s.ring(call)

	logger.Info("Call started",
		zap.String("call_id", call.ID.String()),
		zap.String("conversation_id", conversationID.String()),
		zap.String("host_id", hostID.String()),
		zap.String("call_type", string(callType)))

	return call, nil
}

// JoinCall adds a conversation member to a live call. Rejoining after a
// leave reactivates the same participant row.
func (s *Service) JoinCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Ended() {
		return nil, apperrors.ErrCallEnded
	}

	isMember, err := s.convoRepo.IsParticipant(ctx, call.ConversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation membership: %w", err)
	}
	if !isMember {
		return nil, apperrors.ErrNotMember
	}

	p := &domain.Participant{
		ID:       uuid.New(),
		CallID:   callID,
		UserID:   userID,
		JoinedAt: time.Now(),
	}
	if err := s.callRepo.UpsertParticipant(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to add participant: %w", err)
	}

	// First answer flips the call from ringing to talking
	if err := s.callRepo.MarkStarted(ctx, callID); err != nil {
		logger.Warn("Failed to mark call started",
			zap.String("call_id", callID.String()),
			zap.Error(err))
	}

	s.publishParticipant(ctx, domain.FeedOpInsert, p)
	if updated, err := s.callRepo.GetByID(ctx, callID); err == nil {
		call = updated
		s.publishCall(ctx, domain.FeedOpUpdate, updated)
	}

	return call, nil
}

// LeaveCall marks the participant as departed and ends the call when nobody
// is left in it.
func (s *Service) LeaveCall(ctx context.Context, callID, userID uuid.UUID) error {
	if err := s.callRepo.MarkLeft(ctx, callID, userID); err != nil {
		return err
	}

	if ps, err := s.callRepo.GetParticipants(ctx, callID); err == nil {
		for _, p := range ps {
			if p.UserID == userID {
				s.publishParticipant(ctx, domain.FeedOpUpdate, p)
				break
			}
		}
	}

	present, err := s.callRepo.CountPresent(ctx, callID)
	if err != nil {
		return fmt.Errorf("failed to count present participants: %w", err)
	}
	if present == 0 {
		return s.endCall(ctx, callID)
	}
	return nil
}

// EndCall hangs up for everyone. Concurrent hang-ups converge: whoever loses
// the race simply observes the call already ended.
func (s *Service) EndCall(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return err
	}

	isMember, err := s.convoRepo.IsParticipant(ctx, call.ConversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check conversation membership: %w", err)
	}
	if !isMember {
		return apperrors.ErrNotMember
	}

	return s.endCall(ctx, callID)
}

// DeclineCall rejects a ringing call. When the host is the only one present
// the call ends, otherwise the remaining participants keep talking.
func (s *Service) DeclineCall(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return err
	}
	if call.Ended() {
		// Declining an already-ended call is a no-op
		return nil
	}

	isMember, err := s.convoRepo.IsParticipant(ctx, call.ConversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to check conversation membership: %w", err)
	}
	if !isMember {
		return apperrors.ErrNotMember
	}

	present, err := s.callRepo.CountPresent(ctx, callID)
	if err != nil {
		return fmt.Errorf("failed to count present participants: %w", err)
	}
	if present <= 1 {
		return s.endCall(ctx, callID)
	}
	return nil
}

// UpdateMediaState persists the out-of-band media flags of a participant
func (s *Service) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, state domain.MediaState) error {
	if err := s.callRepo.UpdateMediaState(ctx, callID, userID, state); err != nil {
		return err
	}

	if ps, err := s.callRepo.GetParticipants(ctx, callID); err == nil {
		for _, p := range ps {
			if p.UserID == userID {
				s.publishParticipant(ctx, domain.FeedOpUpdate, p)
				break
			}
		}
	}
	return nil
}

// GetCall returns the call with its participants, for conversation members
func (s *Service) GetCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, []*domain.Participant, error) {
	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return nil, nil, err
	}

	isMember, err := s.convoRepo.IsParticipant(ctx, call.ConversationID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check conversation membership: %w", err)
	}
	if !isMember {
		return nil, nil, apperrors.ErrNotMember
	}

	participants, err := s.callRepo.GetParticipants(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	return call, participants, nil
}

// endCall flips the call to ended exactly once. Only the winner of the
// status transition publishes the termination, so every racing path
// converges on a single ended row and a single call-ended broadcast.
func (s *Service) endCall(ctx context.Context, callID uuid.UUID) error {
	won, err := s.callRepo.End(ctx, callID)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}
	if !won {
		return nil
	}

	call, err := s.callRepo.GetByID(ctx, callID)
	if err != nil {
		return err
	}

	s.publishCall(ctx, domain.FeedOpUpdate, call)

	payload, err := json.Marshal(signal.Message{
		Type:   signal.TypeCallEnded,
		RoomID: callID.String(),
	})
	if err == nil {
		if err := s.feed.PublishSignal(ctx, callID, payload); err != nil {
			logger.Warn("Failed to publish call-ended signal",
				zap.String("call_id", callID.String()),
				zap.Error(err))
		}
	}

	metrics.CallsEnded.Inc()
	if call.StartedAt != nil && call.EndedAt != nil {
		metrics.ObserveCallDuration(*call.StartedAt, *call.EndedAt)
	}

	logger.Info("Call ended", zap.String("call_id", callID.String()))
	return nil
}

func (s *Service) publishCall(ctx context.Context, op domain.FeedOp, call *domain.Call) {
	if err := s.feed.PublishCall(ctx, op, call); err != nil {
		logger.Warn("Failed to publish call change",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) publishParticipant(ctx context.Context, op domain.FeedOp, p *domain.Participant) {
	if err := s.feed.PublishParticipant(ctx, op, p); err != nil {
		logger.Warn("Failed to publish participant change",
			zap.String("call_id", p.CallID.String()),
			zap.Error(err))
	}
}

// ring pushes an incoming-call notification to every conversation member
// except the host. Push delivery is best effort and never blocks the start
// path.
func (s *Service) ring(call *domain.Call) {
	if s.tokenRepo == nil || len(s.providers) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()

	members, err := s.convoRepo.GetParticipants(ctx, call.ConversationID)
	if err != nil {
		logger.Warn("Failed to resolve callees for ringing",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
		return
	}

	payload := push.RingPayload{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		HostID:         call.HostID,
		CallType:       string(call.CallType),
	}
	notification := &push.Notification{
		Title:    "Incoming call",
		Body:     "Tap to answer",
		Data:     payload.Data(),
		Priority: "high",
		Sound:    "ringtone.caf",
		Category: "INCOMING_CALL",
	}

	tokensByType := make(map[push.TokenType][]string)
	for _, member := range members {
		if member == call.HostID {
			continue
		}
		tokens, err := s.tokenRepo.GetByUserID(ctx, member)
		if err != nil {
			logger.Warn("Failed to load push tokens",
				zap.String("user_id", member.String()),
				zap.Error(err))
			continue
		}
		for _, token := range tokens {
			tokensByType[token.Type] = append(tokensByType[token.Type], token.Token)
		}
	}

	for tokenType, tokens := range tokensByType {
		provider, ok := s.providers[tokenType]
		if !ok {
			continue
		}
		result, err := provider.Send(ctx, notification, tokens)
		if err != nil {
			metrics.PushesSent.WithLabelValues("error").Add(float64(len(tokens)))
			logger.Warn("Ring push failed",
				zap.String("call_id", call.ID.String()),
				zap.String("provider", string(tokenType)),
				zap.Error(err))
			continue
		}
		metrics.PushesSent.WithLabelValues("success").Add(float64(result.SuccessCount))
		metrics.PushesSent.WithLabelValues("failure").Add(float64(result.FailureCount))
	}
}
