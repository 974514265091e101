package lifecycle

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/logger"
)

// Membership authorizes ringing against the conversation roster. The feed
// event itself is never trusted for authorization.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// FeedSource is the change feed subscription the notifier consumes
type FeedSource interface {
	Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error)
}

// Notifier watches the change feed and surfaces exactly one ringing prompt
// per call the local user did not originate. A call is rung at most once:
// once handled, declined or ended remotely it never rings again.
type Notifier struct {
	userID     uuid.UUID
	feed       FeedSource
	membership Membership

	onRing  func(call *domain.Call)
	onEnded func(callID uuid.UUID)

	mu      sync.Mutex
	handled map[uuid.UUID]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a notifier for the given user. onEnded may be nil;
// it fires when a rung call ends remotely so the prompt can be dismissed.
func NewNotifier(userID uuid.UUID, feed FeedSource, membership Membership, onRing func(call *domain.Call), onEnded func(callID uuid.UUID)) *Notifier {
	return &Notifier{
		userID:     userID,
		feed:       feed,
		membership: membership,
		onRing:     onRing,
		onEnded:    onEnded,
		handled:    make(map[uuid.UUID]bool),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the feed and begins dispatching. It returns once the
// subscription is established.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	events, err := n.feed.Subscribe(ctx)
	if err != nil {
		cancel()
		// The loop goroutine never runs, so Close must not wait on it.
		close(n.done)
		return err
	}

	go n.loop(ctx, events)
	return nil
}

// Close stops the notifier. Safe to call once Start has returned.
func (n *Notifier) Close() {
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
}

// MarkHandled suppresses ringing for a call the user already acted on,
// typically because they accepted or declined it from another surface.
func (n *Notifier) MarkHandled(callID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handled[callID] = true
}

func (n *Notifier) loop(ctx context.Context, events <-chan domain.FeedEvent) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			n.handle(ctx, event)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, event domain.FeedEvent) {
	if event.Table != domain.FeedTableCalls || event.Call == nil {
		return
	}
	call := event.Call

	if event.Op == domain.FeedOpUpdate && call.Ended() {
		n.mu.Lock()
		wasRung := n.handled[call.ID]
		n.handled[call.ID] = true
		n.mu.Unlock()
		if wasRung && n.onEnded != nil {
			n.onEnded(call.ID)
		}
		return
	}

	if event.Op != domain.FeedOpInsert {
		return
	}
	if call.HostID == n.userID {
		// Own calls never ring; mark so a later update cannot either
		n.MarkHandled(call.ID)
		return
	}
	if call.Ended() {
		return
	}

	n.mu.Lock()
	if n.handled[call.ID] {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	isMember, err := n.membership.IsParticipant(ctx, call.ConversationID, n.userID)
	if err != nil {
		logger.Warn("Failed to authorize incoming call",
			zap.String("call_id", call.ID.String()),
			zap.Error(err))
		return
	}
	if !isMember {
		return
	}

	n.mu.Lock()
	if n.handled[call.ID] {
		n.mu.Unlock()
		return
	}
	n.handled[call.ID] = true
	n.mu.Unlock()

	logger.Info("Incoming call",
		zap.String("call_id", call.ID.String()),
		zap.String("host_id", call.HostID.String()))
	n.onRing(call)
}
