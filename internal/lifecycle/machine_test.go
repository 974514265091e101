package lifecycle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type transitionLog struct {
	mu       sync.Mutex
	traces   []string
	cleanups int
}

func (l *transitionLog) hooks() Hooks {
	return Hooks{
		OnTransition: func(from, to State) {
			l.mu.Lock()
			l.traces = append(l.traces, string(from)+">"+string(to))
			l.mu.Unlock()
		},
		Cleanup: func() {
			l.mu.Lock()
			l.cleanups++
			l.mu.Unlock()
		},
	}
}

func TestOutgoingCallHappyPath(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())

	assert.Equal(t, StateIdle, m.State())
	m.BeginCreate()
	assert.Equal(t, StateCreating, m.State())
	m.CreateSucceeded()
	assert.Equal(t, StateRingingOutgoing, m.State())
	m.RemoteJoined()
	assert.Equal(t, StateConnecting, m.State())
	m.MediaReceived()
	assert.Equal(t, StateActive, m.State())
	m.LocalLeave()
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, 1, log.cleanups)
}

func TestIncomingAcceptPath(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())

	m.RingIncoming()
	assert.Equal(t, StateRingingIncoming, m.State())
	m.Accept()
	assert.Equal(t, StateConnecting, m.State())
	m.MediaReceived()
	assert.Equal(t, StateActive, m.State())
}

func TestIncomingDeclineEndsWithoutSignaling(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())

	m.RingIncoming()
	m.Decline()
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, 1, log.cleanups)
}

func TestCreateFailureReturnsToIdle(t *testing.T) {
	m := NewMachine(Hooks{})

	m.BeginCreate()
	m.CreateFailed()
	assert.Equal(t, StateIdle, m.State())
}

func TestIllegalTransitionsAreDropped(t *testing.T) {
	m := NewMachine(Hooks{})

	// None of these are legal from idle
	m.Accept()
	m.MediaReceived()
	m.ICEDegraded()
	m.CreateSucceeded()
	assert.Equal(t, StateIdle, m.State())
}

func TestUnansweredRingEndsCall(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		assert.Equal(t, 60*time.Second, d)
		f()
		return time.NewTimer(time.Hour)
	}

	m.BeginCreate()
	m.CreateSucceeded()

	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, 1, log.cleanups)
}

func TestAnswerCancelsRingingTimeout(t *testing.T) {
	m := NewMachine(Hooks{})
	var pending func()
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		pending = f
		return time.NewTimer(time.Hour)
	}

	m.BeginCreate()
	m.CreateSucceeded()
	m.RemoteJoined()
	assert.Nil(t, m.ringingTimer)

	// A timer that already fired must not kill the answered call
	pending()
	assert.Equal(t, StateConnecting, m.State())
}

func TestReconnectRecoveryCancelsTimeout(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())
	fired := false
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		assert.Equal(t, 30*time.Second, d)
		fired = true
		return time.NewTimer(time.Hour)
	}

	m.RingIncoming()
	m.Accept()
	m.MediaReceived()
	m.ICEDegraded()
	assert.Equal(t, StateReconnecting, m.State())
	assert.True(t, fired)

	m.ICERecovered()
	assert.Equal(t, StateActive, m.State())
}

func TestReconnectTimeoutEndsCall(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())
	m.afterFunc = func(d time.Duration, f func()) *time.Timer {
		f()
		return time.NewTimer(time.Hour)
	}

	m.RingIncoming()
	m.Accept()
	m.MediaReceived()
	m.ICEDegraded()

	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, 1, log.cleanups)
}

// Whichever side ends first wins; the loser is forced to ended by
// observation and cleanup still runs exactly once.
func TestRemoteEndedConvergesWithLocalLeave(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())

	m.RingIncoming()
	m.Accept()
	m.MediaReceived()

	m.RemoteEnded()
	assert.Equal(t, StateEnded, m.State())

	// The local hang-up arrives late and changes nothing
	m.LocalLeave()
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, 1, log.cleanups)
}

func TestRemoteEndedFromRingingIncoming(t *testing.T) {
	log := &transitionLog{}
	m := NewMachine(log.hooks())

	m.RingIncoming()
	m.RemoteEnded()
	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, 1, log.cleanups)
}
