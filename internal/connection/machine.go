/*
Package connection maintains a best-effort push channel to the detection backend.

The lifecycle is an explicit finite-state machine (Machine) that consumes
events and returns the actions to perform; it does no I/O and owns no timers,
so the backoff and attempt-limit rules are testable without sockets. Manager
runs the machine on a single event-loop goroutine, executes its actions
(probe, dial, close, timers) and decodes inbound messages into the store.

State diagram:

	Idle ──start──▶ ProbingBackend ──ok──▶ Connecting ──open──▶ Connected
	                     │ fail                │ fail/timeout      │ close≠1000
	                     ▼                     ▼                   ▼
	                  Offline ◀──limit──── Backoff ◀───────────────┘
	                                          │ timer
	                                          └──▶ ProbingBackend / Connecting

A normal closure (1000) returns to Idle. Reconnect re-enters ProbingBackend
from any state with fresh counters; Disconnect returns to Idle.
*/
package connection

import (
	"fmt"
	"time"
)

// State is a connection lifecycle phase.
type State int

const (
	Idle State = iota
	ProbingBackend
	Connecting
	Connected
	Backoff
	Offline
)

var stateNames = map[State]string{
	Idle:           "Idle",
	ProbingBackend: "ProbingBackend",
	Connecting:     "Connecting",
	Connected:      "Connected",
	Backoff:        "Backoff",
	Offline:        "Offline",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// WebSocket close codes the machine distinguishes.
const (
	CloseNormal     = 1000
	CloseGoingAway  = 1001
	CloseAbnormal   = 1006
	defaultMaxTries = 3
)

// Human-readable status labels.
const (
	StatusChecking          = "Checking backend..."
	StatusOffline           = "Backend offline"
	StatusConnecting        = "Connecting..."
	StatusConnected         = "Connected"
	StatusConnectionTimeout = "Connection timeout"
	StatusConnectionFailed  = "Connection failed"
	StatusConnectionLost    = "Connection lost"
	StatusGoingAway         = "Going away"
	StatusNormalClosure     = "Normal closure"
	StatusDisconnected      = "Disconnected"
)

// Policy holds the retry limits of the machine.
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultPolicy is 3 attempts with 1s base and 10s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: defaultMaxTries,
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
	}
}

// Delay returns min(base * 2^attempt, max).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// EventKind identifies a machine input.
type EventKind int

const (
	EventStart EventKind = iota
	EventProbeSucceeded
	EventProbeFailed
	EventOpened
	EventConnectFailed
	EventClosed
	EventBackoffElapsed
	EventReconnect
	EventDisconnect
)

// ConnectFailure explains why a dial did not open.
type ConnectFailure int

const (
	FailureError ConnectFailure = iota
	FailureTimeout
)

// Event is a machine input. Epoch tags results of asynchronous work; a result
// whose epoch is not the machine's current epoch arrived late and is ignored.
type Event struct {
	Kind    EventKind
	Epoch   uint64
	Code    int
	Failure ConnectFailure
}

// ActionKind identifies an effect the runtime must perform.
type ActionKind int

const (
	ActionProbe ActionKind = iota
	ActionDial
	ActionCloseChannel
	ActionScheduleReconnect
	ActionCancelReconnect
	ActionStartKeepAlive
	ActionStopKeepAlive
)

// Action is a machine output.
type Action struct {
	Kind  ActionKind
	Epoch uint64
	Code  int
	Delay time.Duration
}

// Machine is the connection lifecycle state machine.
type Machine struct {
	policy   Policy
	state    State
	status   string
	reason   string
	attempts int
	probed   bool
	epoch    uint64
}

// NewMachine returns a machine in Idle.
func NewMachine(policy Policy) *Machine {
	defaults := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = defaults.BackoffBase
	}
	if policy.BackoffMax <= 0 {
		policy.BackoffMax = defaults.BackoffMax
	}
	return &Machine{
		policy: policy,
		state:  Idle,
		status: StatusChecking,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Status returns the current human-readable status.
func (m *Machine) Status() string { return m.status }

// Reason returns the label of the last channel failure, empty after a
// successful open.
func (m *Machine) Reason() string { return m.reason }

// Attempts returns the consecutive failure count.
func (m *Machine) Attempts() int { return m.attempts }

// Probed reports whether the backend was confirmed reachable this cycle.
func (m *Machine) Probed() bool { return m.probed }

// Epoch returns the tag expected on asynchronous results.
func (m *Machine) Epoch() uint64 { return m.epoch }

// IsConnected reports whether the channel is live.
func (m *Machine) IsConnected() bool { return m.state == Connected }

// Handle applies ev and returns the actions to perform, in order.
func (m *Machine) Handle(ev Event) []Action {
	switch ev.Kind {
	case EventStart:
		if m.state != Idle {
			return nil
		}
		return m.begin()

	case EventReconnect:
		actions := m.teardown()
		m.attempts = 0
		m.probed = false
		return append(actions, m.probe()...)

	case EventDisconnect:
		actions := m.teardown()
		m.attempts = 0
		m.probed = false
		m.state = Idle
		m.status = StatusDisconnected
		return actions
	}

	if ev.Epoch != m.epoch {
		return nil
	}

	switch m.state {
	case ProbingBackend:
		switch ev.Kind {
		case EventProbeSucceeded:
			m.probed = true
			return m.dial()
		case EventProbeFailed:
			m.probed = true
			m.attempts = m.policy.MaxAttempts
			m.state = Offline
			m.status = StatusOffline
			return nil
		}

	case Connecting:
		switch ev.Kind {
		case EventOpened:
			m.attempts = 0
			m.reason = ""
			m.state = Connected
			m.status = StatusConnected
			return []Action{{Kind: ActionStartKeepAlive, Epoch: m.epoch}}
		case EventConnectFailed:
			status := StatusConnectionFailed
			if ev.Failure == FailureTimeout {
				status = StatusConnectionTimeout
			}
			return m.fail(status)
		}

	case Connected:
		if ev.Kind == EventClosed {
			actions := []Action{{Kind: ActionStopKeepAlive}}
			if ev.Code == CloseNormal {
				m.state = Idle
				m.status = StatusNormalClosure
				m.reason = StatusNormalClosure
				return actions
			}
			return append(actions, m.fail(closeLabel(ev.Code))...)
		}

	case Backoff:
		if ev.Kind == EventBackoffElapsed {
			return m.begin()
		}
	}

	return nil
}

// begin starts an attempt, probing first unless the backend was already
// confirmed reachable this cycle.
func (m *Machine) begin() []Action {
	if m.attempts >= m.policy.MaxAttempts {
		m.state = Offline
		m.status = StatusOffline
		return nil
	}
	if !m.probed {
		return m.probe()
	}
	return m.dial()
}

func (m *Machine) probe() []Action {
	m.epoch++
	m.state = ProbingBackend
	m.status = StatusChecking
	return []Action{{Kind: ActionProbe, Epoch: m.epoch}}
}

func (m *Machine) dial() []Action {
	m.epoch++
	m.state = Connecting
	m.status = StatusConnecting
	return []Action{{Kind: ActionDial, Epoch: m.epoch}}
}

// fail records a non-normal closure or failed dial and either schedules a
// reconnect or gives up. The delay is computed from the incremented counter,
// so the first retry waits twice the base.
func (m *Machine) fail(reason string) []Action {
	m.attempts++
	delay := m.policy.Delay(m.attempts)
	m.epoch++
	m.reason = reason

	if m.attempts >= m.policy.MaxAttempts {
		m.state = Offline
		m.status = StatusOffline
		return nil
	}

	m.state = Backoff
	m.status = fmt.Sprintf("Reconnecting... (%d/%d)", m.attempts, m.policy.MaxAttempts)
	return []Action{{Kind: ActionScheduleReconnect, Epoch: m.epoch, Delay: delay}}
}

// teardown cancels pending work and closes an open channel with a normal
// closure. A dial still in flight is abandoned: its result carries a stale
// epoch and the runtime closes it on arrival.
func (m *Machine) teardown() []Action {
	m.epoch++
	actions := []Action{{Kind: ActionCancelReconnect}}
	if m.state == Connected {
		actions = append(actions,
			Action{Kind: ActionStopKeepAlive},
			Action{Kind: ActionCloseChannel, Code: CloseNormal},
		)
	}
	return actions
}

func closeLabel(code int) string {
	switch code {
	case CloseAbnormal:
		return StatusConnectionLost
	case CloseNormal:
		return StatusNormalClosure
	case CloseGoingAway:
		return StatusGoingAway
	}
	return StatusDisconnected
}
