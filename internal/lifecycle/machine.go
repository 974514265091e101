// Package lifecycle tracks the state of one call session on a client and
// watches the change feed for calls the local user should be rung for.
package lifecycle

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
)

// State is the lifecycle state of a call session
type State string

const (
	StateIdle            State = "idle"
	StateCreating        State = "creating"
	StateRingingOutgoing State = "ringing_outgoing"
	StateRingingIncoming State = "ringing_incoming"
	StateConnecting      State = "connecting"
	StateActive          State = "active"
	StateReconnecting    State = "reconnecting"
	StateEnded           State = "ended"
)

// Hooks receive machine side effects. Cleanup runs exactly once, when the
// machine reaches ended, regardless of which path got it there.
type Hooks struct {
	OnTransition func(from, to State)
	Cleanup      func()
}

// Machine is the call lifecycle state machine. Transitions never fail
// outward: an event that is illegal in the current state is logged and
// dropped, so the machine always rests in a valid state.
type Machine struct {
	mu    sync.Mutex
	state State

	hooks Hooks

	reconnectTimeout time.Duration
	reconnectTimer   *time.Timer
	ringingTimeout   time.Duration
	ringingTimer     *time.Timer
	cleanupOnce      sync.Once

	// Overridable in tests
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewMachine creates a machine resting in idle
func NewMachine(hooks Hooks) *Machine {
	return &Machine{
		state:            StateIdle,
		hooks:            hooks,
		reconnectTimeout: constants.ReconnectingTimeout,
		ringingTimeout:   constants.RingingTimeout,
		afterFunc:        time.AfterFunc,
	}
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginCreate marks the start of call creation
func (m *Machine) BeginCreate() {
	m.transition(StateCreating, StateIdle)
}

// CreateSucceeded moves the initiator into outgoing ringing. An unanswered
// ring ends the call after the ringing timeout.
func (m *Machine) CreateSucceeded() {
	if !m.transition(StateRingingOutgoing, StateCreating) {
		return
	}
	timer := m.afterFunc(m.ringingTimeout, func() {
		// The timer may fire concurrently with an answer; only a
		// still-ringing call is torn down
		if m.State() != StateRingingOutgoing {
			return
		}
		logger.Warn("Outgoing call unanswered, ending call")
		m.end()
	})
	m.mu.Lock()
	if m.state == StateRingingOutgoing {
		m.ringingTimer = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()
}

// CreateFailed returns to idle after the session store write was rolled back
func (m *Machine) CreateFailed() {
	m.transition(StateIdle, StateCreating)
}

// RingIncoming surfaces a ringing call the local user did not originate
func (m *Machine) RingIncoming() {
	m.transition(StateRingingIncoming, StateIdle)
}

// Accept answers an incoming call and starts negotiation
func (m *Machine) Accept() {
	m.transition(StateConnecting, StateRingingIncoming)
}

// RemoteJoined moves the initiator into negotiation once a callee answers
func (m *Machine) RemoteJoined() {
	if !m.transition(StateConnecting, StateRingingOutgoing) {
		return
	}
	m.stopRingingTimer()
}

// MediaReceived marks the first remote track, the call is live
func (m *Machine) MediaReceived() {
	m.transition(StateActive, StateConnecting, StateReconnecting)
}

// Decline rejects an incoming call without ever joining signaling
func (m *Machine) Decline() {
	if m.transition(StateEnded, StateRingingIncoming) {
		m.runCleanup()
	}
}

// ICEDegraded flags a transport interruption. The call has a bounded window
// to recover before it is torn down.
func (m *Machine) ICEDegraded() {
	if !m.transition(StateReconnecting, StateActive) {
		return
	}
	timer := m.afterFunc(m.reconnectTimeout, func() {
		if m.State() != StateReconnecting {
			return
		}
		logger.Warn("Reconnection window elapsed, ending call")
		m.end()
	})
	m.mu.Lock()
	if m.state == StateReconnecting {
		m.reconnectTimer = timer
	} else {
		timer.Stop()
	}
	m.mu.Unlock()
}

// ICERecovered returns a reconnecting call to active
func (m *Machine) ICERecovered() {
	if !m.transition(StateActive, StateReconnecting) {
		return
	}
	m.stopReconnectTimer()
}

// LocalLeave ends the call by local intent, from any state
func (m *Machine) LocalLeave() {
	m.end()
}

// RemoteEnded forces the machine to ended after observing the call row flip
// to ended on the change feed. This is the losing side of the termination
// race: the observation wins over local intent.
func (m *Machine) RemoteEnded() {
	m.end()
}

func (m *Machine) end() {
	m.mu.Lock()
	if m.state == StateEnded {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = StateEnded
	m.mu.Unlock()

	m.stopReconnectTimer()
	m.stopRingingTimer()
	m.notify(from, StateEnded)
	m.runCleanup()
}

func (m *Machine) runCleanup() {
	m.cleanupOnce.Do(func() {
		if m.hooks.Cleanup != nil {
			m.hooks.Cleanup()
		}
	})
}

func (m *Machine) stopReconnectTimer() {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()
}

func (m *Machine) stopRingingTimer() {
	m.mu.Lock()
	if m.ringingTimer != nil {
		m.ringingTimer.Stop()
		m.ringingTimer = nil
	}
	m.mu.Unlock()
}

// transition moves to the target state when the current state is one of the
// allowed sources. Anything else is dropped with a warning.
func (m *Machine) transition(to State, from ...State) bool {
	m.mu.Lock()
	current := m.state
	allowed := false
	for _, f := range from {
		if current == f {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		logger.Warn("Ignoring illegal lifecycle transition",
			zap.String("from", string(current)),
			zap.String("to", string(to)))
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.notify(current, to)
	return true
}

func (m *Machine) notify(from, to State) {
	logger.Debug("Lifecycle transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(from, to)
	}
}
