package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peercall-backend/internal/domain"
)

type fakeFeed struct {
	ch chan domain.FeedEvent
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{ch: make(chan domain.FeedEvent, 16)}
}

func (f *fakeFeed) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	return f.ch, nil
}

type fakeMembership struct {
	mu      sync.Mutex
	members map[uuid.UUID]bool
}

func (m *fakeMembership) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[conversationID], nil
}

type ringRecorder struct {
	mu    sync.Mutex
	rung  []uuid.UUID
	ended []uuid.UUID
}

func (r *ringRecorder) onRing(call *domain.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rung = append(r.rung, call.ID)
}

func (r *ringRecorder) onEnded(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, callID)
}

func (r *ringRecorder) rungCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rung)
}

func (r *ringRecorder) endedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ended)
}

func startNotifier(t *testing.T, userID uuid.UUID, feed *fakeFeed, membership *fakeMembership) (*Notifier, *ringRecorder) {
	t.Helper()
	rec := &ringRecorder{}
	n := NewNotifier(userID, feed, membership, rec.onRing, rec.onEnded)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Close)
	return n, rec
}

func insertEvent(call *domain.Call) domain.FeedEvent {
	return domain.FeedEvent{Table: domain.FeedTableCalls, Op: domain.FeedOpInsert, Call: call}
}

func endedEvent(call *domain.Call) domain.FeedEvent {
	ended := *call
	ended.Status = domain.CallStatusEnded
	return domain.FeedEvent{Table: domain.FeedTableCalls, Op: domain.FeedOpUpdate, Call: &ended}
}

func waitRung(t *testing.T, rec *ringRecorder, want int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return rec.rungCount() == want
	}, 2*time.Second, 10*time.Millisecond)
}

func settle() { time.Sleep(100 * time.Millisecond) }

func TestNotifierRingsOncePerCall(t *testing.T) {
	userID := uuid.New()
	conversationID := uuid.New()
	feed := newFakeFeed()
	membership := &fakeMembership{members: map[uuid.UUID]bool{conversationID: true}}
	_, rec := startNotifier(t, userID, feed, membership)

	call := &domain.Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		HostID:         uuid.New(),
		Status:         domain.CallStatusActive,
	}
	feed.ch <- insertEvent(call)
	waitRung(t, rec, 1)

	// A replayed insert must not ring again
	feed.ch <- insertEvent(call)
	settle()
	assert.Equal(t, 1, rec.rungCount())
}

func TestNotifierSkipsOwnCalls(t *testing.T) {
	userID := uuid.New()
	conversationID := uuid.New()
	feed := newFakeFeed()
	membership := &fakeMembership{members: map[uuid.UUID]bool{conversationID: true}}
	_, rec := startNotifier(t, userID, feed, membership)

	feed.ch <- insertEvent(&domain.Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		HostID:         userID,
		Status:         domain.CallStatusActive,
	})
	settle()
	assert.Zero(t, rec.rungCount())
}

func TestNotifierAuthorizesAgainstMembership(t *testing.T) {
	userID := uuid.New()
	feed := newFakeFeed()
	// The user is not a member of any conversation
	membership := &fakeMembership{members: map[uuid.UUID]bool{}}
	_, rec := startNotifier(t, userID, feed, membership)

	feed.ch <- insertEvent(&domain.Call{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		HostID:         uuid.New(),
		Status:         domain.CallStatusActive,
	})
	settle()
	assert.Zero(t, rec.rungCount())
}

func TestNotifierSuppressesEndedCalls(t *testing.T) {
	userID := uuid.New()
	conversationID := uuid.New()
	feed := newFakeFeed()
	membership := &fakeMembership{members: map[uuid.UUID]bool{conversationID: true}}
	_, rec := startNotifier(t, userID, feed, membership)

	call := &domain.Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		HostID:         uuid.New(),
		Status:         domain.CallStatusActive,
	}

	// The ended update arrives before the insert is replayed
	feed.ch <- endedEvent(call)
	feed.ch <- insertEvent(call)
	settle()
	assert.Zero(t, rec.rungCount())
}

func TestNotifierDismissesRungCallOnRemoteEnd(t *testing.T) {
	userID := uuid.New()
	conversationID := uuid.New()
	feed := newFakeFeed()
	membership := &fakeMembership{members: map[uuid.UUID]bool{conversationID: true}}
	_, rec := startNotifier(t, userID, feed, membership)

	call := &domain.Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		HostID:         uuid.New(),
		Status:         domain.CallStatusActive,
	}
	feed.ch <- insertEvent(call)
	waitRung(t, rec, 1)

	feed.ch <- endedEvent(call)
	assert.Eventually(t, func() bool {
		return rec.endedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifierMarkHandledSuppressesRing(t *testing.T) {
	userID := uuid.New()
	conversationID := uuid.New()
	feed := newFakeFeed()
	membership := &fakeMembership{members: map[uuid.UUID]bool{conversationID: true}}
	n, rec := startNotifier(t, userID, feed, membership)

	call := &domain.Call{
		ID:             uuid.New(),
		ConversationID: conversationID,
		HostID:         uuid.New(),
		Status:         domain.CallStatusActive,
	}
	// The user already accepted on another surface
	n.MarkHandled(call.ID)

	feed.ch <- insertEvent(call)
	settle()
	assert.Zero(t, rec.rungCount())
}

type failingFeed struct{}

func (f *failingFeed) Subscribe(ctx context.Context) (<-chan domain.FeedEvent, error) {
	return nil, errors.New("feed unavailable")
}

func TestNotifierCloseAfterFailedStart(t *testing.T) {
	rec := &ringRecorder{}
	n := NewNotifier(uuid.New(), &failingFeed{}, &fakeMembership{}, rec.onRing, rec.onEnded)
	require.Error(t, n.Start(context.Background()))

	closed := make(chan struct{})
	go func() {
		n.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after failed Start")
	}
}
