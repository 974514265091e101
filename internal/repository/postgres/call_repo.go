package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"peercall-backend/internal/domain"
	apperrors "peercall-backend/pkg/errors"
)

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call record
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO calls (
			call_id, conversation_id, host_id, call_type, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		call.ConversationID,
		call.HostID,
		call.CallType,
		call.Status,
		call.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// Delete removes a call record. Only used as the compensating action when
// call creation partially failed; established calls are ended, never deleted.
func (r *CallRepository) Delete(ctx context.Context, callID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM calls WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("failed to delete call: %w", err)
	}
	return nil
}

// GetByID retrieves a call by ID
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, host_id, call_type, status,
		       started_at, ended_at, created_at
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.ID,
		&call.ConversationID,
		&call.HostID,
		&call.CallType,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return call, nil
}

// GetActiveByConversation returns the active call for a conversation, if any
func (r *CallRepository) GetActiveByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, conversation_id, host_id, call_type, status,
		       started_at, ended_at, created_at
		FROM calls
		WHERE conversation_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(
		&call.ID,
		&call.ConversationID,
		&call.HostID,
		&call.CallType,
		&call.Status,
		&call.StartedAt,
		&call.EndedAt,
		&call.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active call: %w", err)
	}

	return call, nil
}

// MarkStarted stamps started_at the first time a remote peer connects.
// Subsequent calls are no-ops.
func (r *CallRepository) MarkStarted(ctx context.Context, callID uuid.UUID) error {
	query := `
		UPDATE calls
		SET started_at = NOW()
		WHERE call_id = $1 AND started_at IS NULL
	`

	_, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return fmt.Errorf("failed to mark call started: %w", err)
	}

	return nil
}

// End marks a call as ended. The update is idempotent: when two participants
// hang up in the same tick, exactly one write takes effect and the second
// caller observes won=false.
func (r *CallRepository) End(ctx context.Context, callID uuid.UUID) (won bool, err error) {
	query := `
		UPDATE calls
		SET status = 'ended',
		    ended_at = NOW()
		WHERE call_id = $1 AND status <> 'ended'
	`

	tag, err := r.pool.Exec(ctx, query, callID)
	if err != nil {
		return false, fmt.Errorf("failed to end call: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// UpsertParticipant adds a participant or, on rejoin, refreshes joined_at and
// clears left_at. At most one row per (call, user) pair.
func (r *CallRepository) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO call_participants (
			participant_id, call_id, user_id, joined_at,
			is_muted, is_video_on, is_screen_sharing, is_hand_raised
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (call_id, user_id) DO UPDATE
		SET joined_at = EXCLUDED.joined_at,
		    left_at = NULL,
		    is_muted = EXCLUDED.is_muted,
		    is_video_on = EXCLUDED.is_video_on,
		    is_screen_sharing = EXCLUDED.is_screen_sharing,
		    is_hand_raised = EXCLUDED.is_hand_raised
	`

	_, err := r.pool.Exec(ctx, query,
		p.ID,
		p.CallID,
		p.UserID,
		p.JoinedAt,
		p.IsMuted,
		p.IsVideoOn,
		p.IsScreenSharing,
		p.IsHandRaised,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}

	return nil
}

// MarkLeft stamps left_at for a participant
func (r *CallRepository) MarkLeft(ctx context.Context, callID, userID uuid.UUID) error {
	query := `
		UPDATE call_participants
		SET left_at = $3
		WHERE call_id = $1 AND user_id = $2 AND left_at IS NULL
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}

	return nil
}

// GetParticipants retrieves all participants of a call
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.Participant, error) {
	query := `
		SELECT participant_id, call_id, user_id, joined_at, left_at,
		       is_muted, is_video_on, is_screen_sharing, is_hand_raised
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		p := &domain.Participant{}
		err := rows.Scan(
			&p.ID,
			&p.CallID,
			&p.UserID,
			&p.JoinedAt,
			&p.LeftAt,
			&p.IsMuted,
			&p.IsVideoOn,
			&p.IsScreenSharing,
			&p.IsHandRaised,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, nil
}

// CountPresent returns the number of participants with left_at IS NULL
func (r *CallRepository) CountPresent(ctx context.Context, callID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM call_participants
		WHERE call_id = $1 AND left_at IS NULL
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, callID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count present participants: %w", err)
	}

	return count, nil
}

// UpdateMediaState updates a participant's out-of-band media flags
func (r *CallRepository) UpdateMediaState(ctx context.Context, callID, userID uuid.UUID, state domain.MediaState) error {
	query := `
		UPDATE call_participants
		SET is_muted = $3, is_video_on = $4, is_screen_sharing = $5, is_hand_raised = $6
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID,
		state.IsMuted, state.IsVideoOn, state.IsScreenSharing, state.IsHandRaised)
	if err != nil {
		return fmt.Errorf("failed to update media state: %w", err)
	}

	return nil
}
