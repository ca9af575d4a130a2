package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khanglvm/weapon-watch/internal/detection"
	"github.com/khanglvm/weapon-watch/internal/metrics"
)

// Sink receives detection records decoded from the push channel.
type Sink interface {
	AddDetection(d detection.Detection)
}

// Config tunes the manager runtime.
type Config struct {
	Policy            Policy
	ProbeTimeout      time.Duration
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
}

// DefaultConfig returns 3s probe, 5s connect and 30s keep-alive.
func DefaultConfig() Config {
	return Config{
		Policy:            DefaultPolicy(),
		ProbeTimeout:      3 * time.Second,
		ConnectTimeout:    5 * time.Second,
		KeepAliveInterval: 30 * time.Second,
	}
}

// Snapshot is the readable connection state.
type Snapshot struct {
	State       State  `json:"state"`
	Status      string `json:"connectionStatus"`
	IsConnected bool   `json:"isConnected"`
	Attempts    int    `json:"reconnectAttempts"`
	Reason      string `json:"lastReason,omitempty"`
}

// Manager drives a Machine against a real backend. Only the loop goroutine
// started by Run touches the machine and the timers. The open channel is
// also published to SendMessage, which writes without going through the loop.
type Manager struct {
	cfg     Config
	prober  Prober
	dialer  Dialer
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	commands chan command
	events   chan loopEvent
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once
	runMu     sync.Mutex
	running   bool

	mu   sync.RWMutex
	snap Snapshot
	live Conn

	subMu       sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records connection counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates an idle manager. Call Run to start it.
func NewManager(cfg Config, prober Prober, dialer Dialer, sink Sink, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = defaults.KeepAliveInterval
	}

	m := &Manager{
		cfg:         cfg,
		prober:      prober,
		dialer:      dialer,
		sink:        sink,
		logger:      slog.Default(),
		commands:    make(chan command, 16),
		events:      make(chan loopEvent, 16),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		subscribers: make(map[int]func(Snapshot)),
		snap:        Snapshot{State: Idle, Status: StatusChecking},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdReconnect
	cmdDisconnect
)

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdReconnect:
		return "reconnect"
	case cmdDisconnect:
		return "disconnect"
	}
	return "unknown"
}

type command struct {
	kind commandKind
}

type loopEventKind int

const (
	loopMachine loopEventKind = iota
	loopInbound
)

type loopEvent struct {
	kind loopEventKind
	ev   Event
	conn Conn
	data []byte
}

// loop holds the state owned by the Run goroutine.
type loop struct {
	machine      *Machine
	conn         Conn
	connEpoch    uint64
	backoff      *time.Timer
	backoffEpoch uint64
	keepAlive    *time.Ticker
	ctx          context.Context
}

// Run starts the manager and blocks until ctx is cancelled or Close is
// called. On return every timer is stopped and any open channel is closed
// with a normal closure.
func (m *Manager) Run(ctx context.Context) error {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return errors.New("connection manager already running")
	}
	m.running = true
	m.runMu.Unlock()
	defer close(m.stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l := &loop{machine: NewMachine(m.cfg.Policy), ctx: ctx}
	defer m.teardown(l)

	m.apply(l, Event{Kind: EventStart})

	for {
		var backoffC, keepAliveC <-chan time.Time
		if l.backoff != nil {
			backoffC = l.backoff.C
		}
		if l.keepAlive != nil {
			keepAliveC = l.keepAlive.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil

		case cmd := <-m.commands:
			m.handleCommand(l, cmd)

		case le := <-m.events:
			m.handleLoopEvent(l, le)

		case <-backoffC:
			l.backoff = nil
			m.apply(l, Event{Kind: EventBackoffElapsed, Epoch: l.backoffEpoch})

		case <-keepAliveC:
			if m.write(l, EncodePing()) {
				m.metrics.Inc(metrics.PingsSent)
				m.logger.Debug("sent ping to server")
			}
		}
	}
}

// Close stops the manager and waits for Run to return. It must not be
// called from a Subscribe callback or from the Sink.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.done) })

	m.runMu.Lock()
	running := m.running
	m.runMu.Unlock()
	if running {
		<-m.stopped
	}
	return nil
}

// Start leaves Idle and begins a probe/connect cycle. It has no effect in any
// other state.
func (m *Manager) Start() { m.post(command{kind: cmdStart}) }

// Reconnect forces a fresh probe/connect cycle with reset counters.
func (m *Manager) Reconnect() { m.post(command{kind: cmdReconnect}) }

// Disconnect tears down the channel and timers and returns to Idle.
func (m *Manager) Disconnect() { m.post(command{kind: cmdDisconnect}) }

// SendMessage encodes payload as JSON and sends it if the channel is open.
// It reports whether the send succeeded. It never waits on the manager loop,
// so it is safe from Subscribe callbacks, from the Sink, and before Run.
func (m *Manager) SendMessage(payload any) bool {
	m.mu.RLock()
	conn := m.live
	m.mu.RUnlock()
	if conn == nil {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Warn("failed to encode outbound message", "error", err)
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		m.logger.Warn("error sending push message", "error", err)
		return false
	}
	return true
}

// Snapshot returns the current connection state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// IsConnected reports whether the channel is live.
func (m *Manager) IsConnected() bool { return m.Snapshot().IsConnected }

// Status returns the human-readable connection status.
func (m *Manager) Status() string { return m.Snapshot().Status }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.Snapshot().State }

// Subscribe registers fn to receive every state change. fn runs on the
// manager loop and must not block; it may call SendMessage, Start, Reconnect
// and Disconnect but not Close. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

// post queues cmd without blocking. A full queue drops the command.
func (m *Manager) post(cmd command) {
	select {
	case <-m.done:
		return
	case <-m.stopped:
		return
	default:
	}
	select {
	case m.commands <- cmd:
	default:
		m.logger.Warn("connection command dropped, queue full", "command", cmd.kind)
	}
}

// emit delivers a result from a worker goroutine to the loop.
func (m *Manager) emit(ctx context.Context, le loopEvent) bool {
	select {
	case m.events <- le:
		return true
	case <-ctx.Done():
		return false
	case <-m.done:
		return false
	}
}

func (m *Manager) handleCommand(l *loop, cmd command) {
	switch cmd.kind {
	case cmdStart:
		m.apply(l, Event{Kind: EventStart})
	case cmdReconnect:
		m.logger.Info("reconnect requested")
		m.apply(l, Event{Kind: EventReconnect})
	case cmdDisconnect:
		m.apply(l, Event{Kind: EventDisconnect})
	}
}

func (m *Manager) handleLoopEvent(l *loop, le loopEvent) {
	switch le.kind {
	case loopInbound:
		if l.conn == nil || le.ev.Epoch != l.connEpoch {
			return
		}
		m.dispatch(le.data)

	case loopMachine:
		switch le.ev.Kind {
		case EventOpened:
			if le.ev.Epoch != l.machine.Epoch() || l.machine.State() != Connecting {
				// Arrived after a timeout, reconnect or disconnect.
				le.conn.Close(CloseNormal, "stale connection")
				return
			}
			l.conn = le.conn
			l.connEpoch = le.ev.Epoch
			go m.readLoop(l.ctx, le.conn, le.ev.Epoch)
			m.logger.Info("push channel connected")

		case EventClosed:
			if l.conn == nil || le.ev.Epoch != l.connEpoch {
				return
			}
			l.conn.Close(CloseNormal, "")
			l.conn = nil
			m.logger.Info("push channel closed", "code", le.ev.Code, "reason", closeLabel(le.ev.Code))
		}
		m.apply(l, le.ev)
	}
}

// apply feeds ev to the machine, executes the resulting actions and publishes
// the new snapshot.
func (m *Manager) apply(l *loop, ev Event) {
	for _, action := range l.machine.Handle(ev) {
		m.execute(l, action)
	}
	m.publish(l)
}

func (m *Manager) execute(l *loop, a Action) {
	switch a.Kind {
	case ActionProbe:
		go m.probe(l.ctx, a.Epoch)

	case ActionDial:
		m.metrics.Inc(metrics.ConnectAttempts)
		go m.dial(l.ctx, a.Epoch)

	case ActionCloseChannel:
		if l.conn != nil {
			l.conn.Close(a.Code, "Manual disconnect")
			l.conn = nil
		}

	case ActionScheduleReconnect:
		m.stopBackoff(l)
		m.metrics.Inc(metrics.ReconnectsScheduled)
		l.backoff = time.NewTimer(a.Delay)
		l.backoffEpoch = a.Epoch
		m.logger.Info("scheduling reconnect", "delay", a.Delay, "attempt", l.machine.Attempts())

	case ActionCancelReconnect:
		m.stopBackoff(l)

	case ActionStartKeepAlive:
		m.stopKeepAlive(l)
		l.keepAlive = time.NewTicker(m.cfg.KeepAliveInterval)

	case ActionStopKeepAlive:
		m.stopKeepAlive(l)
	}
}

// probe runs the health check with a hard deadline; a prober that ignores
// its context is abandoned and its late answer dropped.
func (m *Manager) probe(ctx context.Context, epoch uint64) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- m.prober.Probe(probeCtx) }()

	ok := false
	select {
	case ok = <-result:
	case <-probeCtx.Done():
	}

	kind := EventProbeSucceeded
	if !ok {
		kind = EventProbeFailed
		m.metrics.Inc(metrics.ProbeFailures)
		m.logger.Warn("backend health check failed, switching to offline mode")
	}
	m.emit(ctx, loopEvent{kind: loopMachine, ev: Event{Kind: kind, Epoch: epoch}})
}

type dialResult struct {
	conn Conn
	err  error
}

// dial opens the channel with a hard deadline. A connection that opens after
// the deadline is closed immediately.
func (m *Manager) dial(ctx context.Context, epoch uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	result := make(chan dialResult, 1)
	go func() {
		conn, err := m.dialer.Dial(dialCtx)
		result <- dialResult{conn: conn, err: err}
	}()

	var ev loopEvent
	select {
	case r := <-result:
		switch {
		case r.err == nil:
			ev = loopEvent{kind: loopMachine, ev: Event{Kind: EventOpened, Epoch: epoch}, conn: r.conn}
		case errors.Is(r.err, context.DeadlineExceeded):
			ev = loopEvent{kind: loopMachine, ev: Event{Kind: EventConnectFailed, Epoch: epoch, Failure: FailureTimeout}}
		default:
			m.logger.Warn("push channel connection failed - backend may be offline", "error", r.err)
			ev = loopEvent{kind: loopMachine, ev: Event{Kind: EventConnectFailed, Epoch: epoch, Failure: FailureError}}
		}
	case <-dialCtx.Done():
		go func() {
			if r := <-result; r.err == nil {
				r.conn.Close(CloseNormal, "connect timeout")
			}
		}()
		ev = loopEvent{kind: loopMachine, ev: Event{Kind: EventConnectFailed, Epoch: epoch, Failure: FailureTimeout}}
	}

	if !m.emit(ctx, ev) && ev.conn != nil {
		ev.conn.Close(CloseNormal, "manager stopped")
	}
}

// readLoop forwards inbound messages until the channel closes.
func (m *Manager) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.emit(ctx, loopEvent{kind: loopMachine, ev: Event{Kind: EventClosed, Epoch: epoch, Code: CloseCode(err)}})
			return
		}
		if !m.emit(ctx, loopEvent{kind: loopInbound, ev: Event{Epoch: epoch}, data: data}) {
			return
		}
	}
}

// dispatch decodes one inbound payload. Malformed payloads are logged and dropped.
func (m *Manager) dispatch(data []byte) {
	m.metrics.Inc(metrics.MessagesReceived)

	msg, err := DecodeMessage(data)
	if err != nil {
		m.metrics.Inc(metrics.MessagesMalformed)
		m.logger.Warn("error parsing push message", "error", err)
		return
	}

	switch v := msg.(type) {
	case ConnectionEstablished:
		m.logger.Info("push channel established", "message", v.Message)
	case Pong:
		m.logger.Debug("received pong from server")
	case DetectionEvent:
		m.metrics.Inc(metrics.PushedDetections)
		m.logger.Info("received detection", "id", v.Detection.ID, "weapons", v.Detection.WeaponCount)
		if m.sink != nil {
			m.sink.AddDetection(v.Detection)
		}
	case Unrecognized:
		m.logger.Debug("ignoring unrecognized push message", "type", v.Type)
	}
}

func (m *Manager) write(l *loop, data []byte) bool {
	if l.conn == nil || l.machine.State() != Connected {
		return false
	}
	if err := l.conn.WriteMessage(data); err != nil {
		m.logger.Warn("error sending push message", "error", err)
		return false
	}
	return true
}

func (m *Manager) stopBackoff(l *loop) {
	if l.backoff != nil {
		l.backoff.Stop()
		l.backoff = nil
	}
}

func (m *Manager) stopKeepAlive(l *loop) {
	if l.keepAlive != nil {
		l.keepAlive.Stop()
		l.keepAlive = nil
	}
}

// teardown releases everything the loop owns.
func (m *Manager) teardown(l *loop) {
	m.apply(l, Event{Kind: EventDisconnect})
	m.stopBackoff(l)
	m.stopKeepAlive(l)
	if l.conn != nil {
		l.conn.Close(CloseNormal, "shutdown")
		l.conn = nil
	}
}

func (m *Manager) publish(l *loop) {
	machine := l.machine
	var live Conn
	if machine.State() == Connected {
		live = l.conn
	}
	snap := Snapshot{
		State:       machine.State(),
		Status:      machine.Status(),
		IsConnected: machine.IsConnected(),
		Attempts:    machine.Attempts(),
		Reason:      machine.Reason(),
	}

	m.mu.Lock()
	changed := snap != m.snap
	m.snap = snap
	m.live = live
	m.mu.Unlock()

	m.metrics.SetConnectionState(int(snap.State))
	if !changed {
		return
	}

	m.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
