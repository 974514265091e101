// Package redis implements the session store change feed on Redis pub/sub.
// Row-level INSERT/UPDATE events on calls and call_participants are the sole
// mechanism by which one client learns of another client's call actions.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/database"
	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

const (
	feedCallsChannel        = "feed:calls"
	feedParticipantsChannel = "feed:call_participants"
)

// signalChannel is the per-call fan-out channel mirrored into signaling
// rooms on every server instance
func signalChannel(callID uuid.UUID) string {
	return fmt.Sprintf("signal:%s", callID)
}

// FeedRepository publishes and subscribes to session store change events
type FeedRepository struct {
	client *database.RedisClient
}

// NewFeedRepository creates a new FeedRepository
func NewFeedRepository(client *database.RedisClient) *FeedRepository {
	return &FeedRepository{client: client}
}

// PublishCall publishes a call row change
func (r *FeedRepository) PublishCall(ctx context.Context, op domain.FeedOp, call *domain.Call) error {
	return r.publish(ctx, feedCallsChannel, &domain.FeedEvent{
		Table: domain.FeedTableCalls,
		Op:    op,
		Call:  call,
	})
}

// PublishParticipant publishes a participant row change
func (r *FeedRepository) PublishParticipant(ctx context.Context, op domain.FeedOp, p *domain.Participant) error {
	return r.publish(ctx, feedParticipantsChannel, &domain.FeedEvent{
		Table:       domain.FeedTableParticipants,
		Op:          op,
		Participant: p,
	})
}

func (r *FeedRepository) publish(ctx context.Context, channel string, event *domain.FeedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal feed event: %w", err)
	}

	if err := r.client.Client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish feed event: %w", err)
	}

	return nil
}

// Subscribe delivers call and participant change events until ctx is
// cancelled. The returned channel is closed on cancellation.
func (r *FeedRepository) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	pubsub := r.client.Client.Subscribe(ctx, feedCallsChannel, feedParticipantsChannel)

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to change feed: %w", err)
	}

	out := make(chan domain.FeedEvent, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.FeedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					logger.Warn("Failed to unmarshal feed event",
						zap.String("channel", msg.Channel),
						zap.Error(err))
					continue
				}
				select {
				case out <- event:
				default:
					// Slow consumer; feed events are advisory and the
					// session store remains authoritative, so drop.
					logger.Warn("Change feed consumer lagging, dropping event",
						zap.String("table", event.Table))
				}
			}
		}
	}()

	return out, nil
}

// PublishSignal publishes a raw signaling message on the per-call fan-out
// channel so hubs on other instances can relay it into their local rooms.
func (r *FeedRepository) PublishSignal(ctx context.Context, callID uuid.UUID, payload []byte) error {
	if err := r.client.Client.Publish(ctx, signalChannel(callID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// SubscribeSignals subscribes to the per-call fan-out channel
func (r *FeedRepository) SubscribeSignals(ctx context.Context, callID uuid.UUID) (<-chan []byte, error) {
	pubsub := r.client.Client.Subscribe(ctx, signalChannel(callID))

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to signal channel: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
