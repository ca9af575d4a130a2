package connection

import (
	"testing"
	"time"
)

func kinds(actions []Action) []ActionKind {
	out := make([]ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

func hasAction(actions []Action, kind ActionKind) (Action, bool) {
	for _, a := range actions {
		if a.Kind == kind {
			return a, true
		}
	}
	return Action{}, false
}

// connected drives a fresh machine to Connected.
func connected(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(DefaultPolicy())
	m.Handle(Event{Kind: EventStart})
	m.Handle(Event{Kind: EventProbeSucceeded, Epoch: m.Epoch()})
	m.Handle(Event{Kind: EventOpened, Epoch: m.Epoch()})
	if m.State() != Connected {
		t.Fatalf("Expected Connected, got %s", m.State())
	}
	return m
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	if m.State() != Idle {
		t.Fatalf("Expected Idle, got %s", m.State())
	}

	actions := m.Handle(Event{Kind: EventStart})
	if m.State() != ProbingBackend || m.Status() != StatusChecking {
		t.Errorf("Expected ProbingBackend/%q, got %s/%q", StatusChecking, m.State(), m.Status())
	}
	if len(actions) != 1 || actions[0].Kind != ActionProbe {
		t.Fatalf("Expected a single probe action, got %v", kinds(actions))
	}

	actions = m.Handle(Event{Kind: EventProbeSucceeded, Epoch: actions[0].Epoch})
	if m.State() != Connecting || m.Status() != StatusConnecting {
		t.Errorf("Expected Connecting, got %s/%q", m.State(), m.Status())
	}
	if len(actions) != 1 || actions[0].Kind != ActionDial {
		t.Fatalf("Expected a single dial action, got %v", kinds(actions))
	}

	actions = m.Handle(Event{Kind: EventOpened, Epoch: actions[0].Epoch})
	if !m.IsConnected() || m.Status() != StatusConnected {
		t.Errorf("Expected Connected, got %s/%q", m.State(), m.Status())
	}
	if _, ok := hasAction(actions, ActionStartKeepAlive); !ok {
		t.Error("Expected keep-alive to start on open")
	}
	if m.Attempts() != 0 {
		t.Errorf("Expected 0 attempts, got %d", m.Attempts())
	}
}

func TestMachineProbeFailureGoesOffline(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	actions := m.Handle(Event{Kind: EventStart})

	actions = m.Handle(Event{Kind: EventProbeFailed, Epoch: actions[0].Epoch})
	if m.State() != Offline {
		t.Fatalf("Expected Offline, got %s", m.State())
	}
	if m.Status() != StatusOffline {
		t.Errorf("Expected status %q, got %q", StatusOffline, m.Status())
	}
	if m.Attempts() != 3 {
		t.Errorf("Expected attempts pinned at 3, got %d", m.Attempts())
	}
	if len(actions) != 0 {
		t.Errorf("Expected no scheduled work, got %v", kinds(actions))
	}

	// Start from Offline is ignored; only Reconnect leaves it.
	if actions := m.Handle(Event{Kind: EventStart}); len(actions) != 0 || m.State() != Offline {
		t.Errorf("Expected Start to be ignored in Offline, got %s %v", m.State(), kinds(actions))
	}
}

func TestMachineRepeatedFailuresReachOffline(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	m.Handle(Event{Kind: EventStart})
	actions := m.Handle(Event{Kind: EventProbeSucceeded, Epoch: m.Epoch()})

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		actions = m.Handle(Event{Kind: EventConnectFailed, Epoch: actions[0].Epoch, Failure: FailureTimeout})
		if m.State() != Backoff {
			t.Fatalf("failure %d: expected Backoff, got %s", i+1, m.State())
		}
		if m.Reason() != StatusConnectionTimeout {
			t.Errorf("failure %d: expected reason %q, got %q", i+1, StatusConnectionTimeout, m.Reason())
		}
		sched, ok := hasAction(actions, ActionScheduleReconnect)
		if !ok {
			t.Fatalf("failure %d: expected reconnect scheduled, got %v", i+1, kinds(actions))
		}
		if sched.Delay != want {
			t.Errorf("failure %d: expected delay %v, got %v", i+1, want, sched.Delay)
		}

		// The probe already succeeded this cycle, so backoff dials directly.
		actions = m.Handle(Event{Kind: EventBackoffElapsed, Epoch: sched.Epoch})
		if m.State() != Connecting || actions[0].Kind != ActionDial {
			t.Fatalf("failure %d: expected redial, got %s %v", i+1, m.State(), kinds(actions))
		}
	}

	actions = m.Handle(Event{Kind: EventConnectFailed, Epoch: actions[0].Epoch})
	if m.State() != Offline || m.Status() != StatusOffline {
		t.Errorf("Expected Offline after 3 failures, got %s/%q", m.State(), m.Status())
	}
	if len(actions) != 0 {
		t.Errorf("Expected nothing scheduled once offline, got %v", kinds(actions))
	}
}

func TestMachineBackoffStatus(t *testing.T) {
	m := connected(t)
	actions := m.Handle(Event{Kind: EventClosed, Epoch: m.Epoch(), Code: CloseAbnormal})
	sched, ok := hasAction(actions, ActionScheduleReconnect)
	if !ok {
		t.Fatalf("Expected reconnect scheduled, got %v", kinds(actions))
	}
	if sched.Delay != 2*time.Second {
		t.Errorf("Expected first retry after 2s, got %v", sched.Delay)
	}
	if m.Status() != "Reconnecting... (1/3)" {
		t.Errorf("Expected reconnect status, got %q", m.Status())
	}
	if m.Reason() != StatusConnectionLost {
		t.Errorf("Expected reason %q, got %q", StatusConnectionLost, m.Reason())
	}
}

func TestMachineCloseCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantState State
		wantLabel string
	}{
		{"normal closure idles", CloseNormal, Idle, StatusNormalClosure},
		{"abnormal closure retries", CloseAbnormal, Backoff, StatusConnectionLost},
		{"going away retries", CloseGoingAway, Backoff, StatusGoingAway},
		{"other code retries", 4000, Backoff, StatusDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := connected(t)
			actions := m.Handle(Event{Kind: EventClosed, Epoch: m.Epoch(), Code: tt.code})
			if m.State() != tt.wantState {
				t.Errorf("Expected %s, got %s", tt.wantState, m.State())
			}
			if m.Reason() != tt.wantLabel {
				t.Errorf("Expected reason %q, got %q", tt.wantLabel, m.Reason())
			}
			if _, ok := hasAction(actions, ActionStopKeepAlive); !ok {
				t.Error("Expected keep-alive to stop on close")
			}
			_, scheduled := hasAction(actions, ActionScheduleReconnect)
			if scheduled != (tt.wantState == Backoff) {
				t.Errorf("Expected scheduled=%v, got %v", tt.wantState == Backoff, scheduled)
			}
		})
	}
}

func TestMachineSuccessResetsAttempts(t *testing.T) {
	m := connected(t)
	actions := m.Handle(Event{Kind: EventClosed, Epoch: m.Epoch(), Code: CloseAbnormal})
	sched, _ := hasAction(actions, ActionScheduleReconnect)

	actions = m.Handle(Event{Kind: EventBackoffElapsed, Epoch: sched.Epoch})
	m.Handle(Event{Kind: EventOpened, Epoch: actions[0].Epoch})
	if m.Attempts() != 0 {
		t.Errorf("Expected attempts reset after open, got %d", m.Attempts())
	}
	if m.Reason() != "" {
		t.Errorf("Expected reason cleared after open, got %q", m.Reason())
	}
}

func TestMachineIgnoresStaleEvents(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	first := m.Handle(Event{Kind: EventStart})

	m.Handle(Event{Kind: EventReconnect})
	if actions := m.Handle(Event{Kind: EventProbeSucceeded, Epoch: first[0].Epoch}); len(actions) != 0 {
		t.Errorf("Expected stale probe result to be ignored, got %v", kinds(actions))
	}
	if m.State() != ProbingBackend {
		t.Errorf("Expected ProbingBackend, got %s", m.State())
	}

	// An event that does not apply to the current state is a no-op.
	if actions := m.Handle(Event{Kind: EventClosed, Epoch: m.Epoch(), Code: CloseAbnormal}); len(actions) != 0 {
		t.Errorf("Expected close while probing to be ignored, got %v", kinds(actions))
	}
}

func TestMachineReconnectResets(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	actions := m.Handle(Event{Kind: EventStart})
	m.Handle(Event{Kind: EventProbeFailed, Epoch: actions[0].Epoch})

	actions = m.Handle(Event{Kind: EventReconnect})
	if m.State() != ProbingBackend {
		t.Fatalf("Expected ProbingBackend, got %s", m.State())
	}
	if m.Attempts() != 0 || m.Probed() {
		t.Errorf("Expected counters reset, got attempts=%d probed=%v", m.Attempts(), m.Probed())
	}
	if _, ok := hasAction(actions, ActionProbe); !ok {
		t.Errorf("Expected an immediate probe, got %v", kinds(actions))
	}
}

func TestMachineReconnectWhileConnected(t *testing.T) {
	m := connected(t)
	actions := m.Handle(Event{Kind: EventReconnect})

	closeAction, ok := hasAction(actions, ActionCloseChannel)
	if !ok {
		t.Fatalf("Expected the open channel to be closed, got %v", kinds(actions))
	}
	if closeAction.Code != CloseNormal {
		t.Errorf("Expected close code 1000, got %d", closeAction.Code)
	}
	if _, ok := hasAction(actions, ActionStopKeepAlive); !ok {
		t.Error("Expected keep-alive to stop")
	}
}

func TestMachineDisconnect(t *testing.T) {
	m := connected(t)
	actions := m.Handle(Event{Kind: EventDisconnect})
	if m.State() != Idle || m.Status() != StatusDisconnected {
		t.Errorf("Expected Idle/%q, got %s/%q", StatusDisconnected, m.State(), m.Status())
	}
	if _, ok := hasAction(actions, ActionCancelReconnect); !ok {
		t.Error("Expected pending reconnect to be cancelled")
	}
	if _, ok := hasAction(actions, ActionCloseChannel); !ok {
		t.Error("Expected channel close")
	}

	// Disconnect from Backoff cancels the timer and idles.
	m = connected(t)
	m.Handle(Event{Kind: EventClosed, Epoch: m.Epoch(), Code: CloseAbnormal})
	actions = m.Handle(Event{Kind: EventDisconnect})
	if _, ok := hasAction(actions, ActionCloseChannel); ok {
		t.Error("Did not expect a close action without an open channel")
	}
	if m.State() != Idle {
		t.Errorf("Expected Idle, got %s", m.State())
	}
}

func TestMachineCustomPolicy(t *testing.T) {
	m := NewMachine(Policy{MaxAttempts: 1})
	m.Handle(Event{Kind: EventStart})
	actions := m.Handle(Event{Kind: EventProbeSucceeded, Epoch: m.Epoch()})
	m.Handle(Event{Kind: EventConnectFailed, Epoch: actions[0].Epoch})
	if m.State() != Offline {
		t.Errorf("Expected Offline after single failure with MaxAttempts=1, got %s", m.State())
	}
}

func TestStateString(t *testing.T) {
	if Connected.String() != "Connected" {
		t.Errorf("Expected Connected, got %s", Connected.String())
	}
	if State(99).String() != "Unknown" {
		t.Errorf("Expected Unknown, got %s", State(99).String())
	}
	text, _ := Backoff.MarshalText()
	if string(text) != "Backoff" {
		t.Errorf("Expected Backoff, got %s", text)
	}
}
