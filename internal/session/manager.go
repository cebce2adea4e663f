// Package session owns the authenticated connection to the boiler cloud: it
// logs in, keeps the websocket alive, refreshes data on a fixed cadence and
// re-establishes the session after disconnects. One Manager serves one
// account.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"boilerbridge/internal/clock"
	"boilerbridge/internal/webboiler"

	"go.uber.org/zap"
)

// State is the lifecycle phase of the cloud session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
)

const (
	// TickPeriod is how often the scheduling check runs.
	TickPeriod = time.Second

	// RefreshInterval is the maximum age of cloud data before the session
	// requests a full value push.
	RefreshInterval = 240 * time.Second

	// LoginRetryInterval is the minimum spacing between login attempts
	// while the session is down. Fixed on purpose: the cloud polls slowly
	// and a flat retry keeps the behavior predictable.
	LoginRetryInterval = 60 * time.Second

	// Stale-data watchdog: if the push channel looks healthy but no
	// parameter has updated for staleDataLimit, force a relogin. Checked
	// every watchdogInterval, at most one forced restart per
	// forcedRestartCooldown.
	watchdogInterval      = 2 * time.Minute
	staleDataLimit        = 10 * time.Minute
	forcedRestartCooldown = 15 * time.Minute
)

// Recorder persists session events and parameter readings. Implementations
// must not call back into the Manager.
type Recorder interface {
	RecordEvent(category, action, details string)
	RecordReading(serial, parameter, value string, at time.Time)
}

// Manager drives the session lifecycle. All target-state decisions happen in
// tick, which runs once per TickPeriod; the network operations it triggers
// run asynchronously, at most one at a time.
type Manager struct {
	client   webboiler.WebBoilerClient
	logger   *zap.Logger
	clock    clock.Clock
	recorder Recorder

	mu               sync.Mutex
	state            State
	connected        bool
	inFlight         bool
	started          bool
	stopped          bool
	lastRefresh      time.Time
	lastLoginAttempt time.Time
	lastWatchdog     time.Time
	lastForcedLogin  time.Time
	stopCh           chan struct{}
	doneCh           chan struct{}

	subsMu   sync.RWMutex
	subs     subscriberMap
	connSubs map[string]ConnectivityHandler
}

// NewManager creates a lifecycle manager for one account.
func NewManager(client webboiler.WebBoilerClient, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		logger:   logger.Named("session"),
		clock:    clock.NewRealClock(),
		state:    StateUnauthenticated,
		subs:     make(subscriberMap),
		connSubs: make(map[string]ConnectivityHandler),
	}
}

// SetClock replaces the time source. Call before Start.
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// SetRecorder attaches an event/reading sink. Call before Start.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

// Start performs the initial login sequence and launches the tick loop. A
// failed initial connect is returned for visibility, but the tick loop keeps
// retrying on the fixed cadence regardless, so callers should treat the
// error as diagnostic rather than fatal.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("session already started")
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("Starting session")
	m.recordEvent("session", "started", "")

	err := m.connect(false)

	go m.run()
	return err
}

// Stop shuts the session down: the tick loop ends, the websocket closes and
// the client is released. Safe to call more than once; an in-flight refresh
// or login is left to finish and fail naturally.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.state = StateUnauthenticated
	close(m.stopCh)
	m.mu.Unlock()

	<-m.doneCh

	m.client.Close()
	m.setConnected(false)

	m.logger.Info("Session stopped")
	m.recordEvent("session", "stopped", "")
}

// run is the tick loop. It only decides; work happens elsewhere.
func (m *Manager) run() {
	defer close(m.doneCh)

	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clock.After(TickPeriod):
			m.tick()
		}
	}
}

// tick inspects elapsed time and connection health and triggers at most one
// asynchronous operation. Ticks that arrive while an operation is still
// outstanding are dropped, not queued.
func (m *Manager) tick() {
	m.mu.Lock()

	if m.stopped || m.inFlight {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()

	if m.state == StateConnected && !m.client.IsWebsocketConnected() {
		m.state = StateDisconnected
		m.mu.Unlock()

		m.logger.Warn("Websocket connection lost")
		m.recordEvent("session", "websocket_lost", "")
		m.setConnected(false)

		// Retry gating continues from the previous login attempt, so a
		// drop long after login reconnects on the next tick.
		m.mu.Lock()
		if m.stopped || m.inFlight {
			m.mu.Unlock()
			return
		}
	}

	switch {
	case m.state == StateConnected && now.Sub(m.lastRefresh) >= RefreshInterval:
		m.inFlight = true
		m.mu.Unlock()
		go m.runRefresh()

	case m.state == StateConnected && now.Sub(m.lastWatchdog) >= watchdogInterval:
		m.lastWatchdog = now
		stale := m.newestUpdateLocked()
		if !stale.IsZero() && now.Sub(stale) > staleDataLimit && now.Sub(m.lastForcedLogin) > forcedRestartCooldown {
			m.lastForcedLogin = now
			m.inFlight = true
			m.mu.Unlock()

			m.logger.Warn("No parameter updates despite open websocket, forcing relogin",
				zap.Time("newest_update", stale))
			m.recordEvent("session", "watchdog_restart", "")
			go m.runRelogin()
			return
		}
		m.mu.Unlock()

	case m.state == StateDisconnected && now.Sub(m.lastLoginAttempt) >= LoginRetryInterval:
		m.inFlight = true
		m.mu.Unlock()
		go m.runRelogin()

	default:
		m.mu.Unlock()
	}
}

// newestUpdateLocked returns the most recent parameter timestamp across all
// devices. Caller holds m.mu.
func (m *Manager) newestUpdateLocked() time.Time {
	var newest time.Time
	for _, dev := range m.client.Devices() {
		if at := dev.NewestUpdate(); at.After(newest) {
			newest = at
		}
	}
	return newest
}

func (m *Manager) runRefresh() {
	defer m.clearInFlight()

	if err := m.client.Refresh(context.Background()); err != nil {
		m.logger.Warn("Refresh failed", zap.Error(err))
		m.recordEvent("session", "refresh_failed", err.Error())

		// A failed refresh means the session is no longer usable; go
		// through the full relogin sequence right away. The attempt
		// timestamp it stamps keeps the retry window honest.
		m.connect(true)
		return
	}

	m.mu.Lock()
	m.lastRefresh = m.clock.Now()
	m.mu.Unlock()
	m.logger.Debug("Refresh requested")
}

func (m *Manager) runRelogin() {
	defer m.clearInFlight()
	m.connect(true)
}

func (m *Manager) clearInFlight() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

// connect executes the full session establishment sequence: authenticate,
// fetch the account configuration, open the push websocket, request one
// immediate refresh. The login-attempt timestamp is stamped before anything
// runs so a failure still pushes the next attempt a full retry interval out.
func (m *Manager) connect(relogin bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.lastLoginAttempt = m.clock.Now()
	m.state = StateAuthenticating
	m.mu.Unlock()

	ctx := context.Background()

	var err error
	if relogin {
		err = m.client.Relogin(ctx)
	} else {
		err = m.client.Login(ctx)
	}
	if err == nil {
		err = m.client.Configuration(ctx)
	}
	if err == nil {
		err = m.client.OpenWebsocket(m.handleParameterUpdate)
	}
	if err == nil {
		err = m.client.Refresh(ctx)
	}

	action := "login"
	if relogin {
		action = "relogin"
	}

	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()

		m.logger.Warn("Session establishment failed",
			zap.String("attempt", action), zap.Error(err))
		m.recordEvent("session", action+"_failed", err.Error())
		m.setConnected(false)
		return err
	}

	m.mu.Lock()
	if m.stopped {
		// Stop raced the tail of this attempt; do not resurrect.
		m.mu.Unlock()
		m.client.Close()
		return nil
	}
	m.lastRefresh = m.clock.Now()
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("Session connected", zap.String("attempt", action),
		zap.Int("devices", len(m.client.Devices())))
	m.recordEvent("session", action+"_ok", "")
	m.setConnected(true)
	return nil
}

// forceRelogin schedules an immediate reconnection attempt, used when a
// command is rejected and the session is presumed stale. No-op while another
// operation is running.
func (m *Manager) forceRelogin() {
	m.mu.Lock()
	if m.stopped || m.inFlight {
		m.mu.Unlock()
		return
	}
	m.inFlight = true
	m.mu.Unlock()

	go m.runRelogin()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the session is authenticated with a live
// websocket.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastRefresh returns when data was last synchronized successfully.
func (m *Manager) LastRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh
}

// LastLoginAttempt returns when authentication last started, successful or
// not.
func (m *Manager) LastLoginAttempt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLoginAttempt
}

// Devices returns the account's devices.
func (m *Manager) Devices() []*webboiler.Device {
	return m.client.Devices()
}

// Device returns one device by serial, or nil.
func (m *Manager) Device(serial string) *webboiler.Device {
	return m.client.Device(serial)
}

// TurnBoiler switches the boiler's main power. On success a refresh is
// requested so the changed state flows back through the push channel.
func (m *Manager) TurnBoiler(ctx context.Context, serial string, on bool) error {
	if err := m.client.Turn(ctx, serial, on); err != nil {
		m.logger.Warn("Power command failed",
			zap.String("serial", serial), zap.Bool("on", on), zap.Error(err))
		return err
	}

	m.recordEvent("command", powerAction(on), serial)
	if err := m.client.Refresh(ctx); err != nil {
		m.logger.Warn("Refresh after power command failed", zap.Error(err))
	}
	return nil
}

// TurnCircuit switches one heating circuit. A rejected command forces a
// relogin: the cloud dropping commands means the session token has gone
// stale even when the websocket still looks healthy.
func (m *Manager) TurnCircuit(ctx context.Context, serial string, index int, on bool) error {
	if err := m.client.TurnCircuit(ctx, serial, index, on); err != nil {
		m.logger.Warn("Circuit command failed, forcing relogin",
			zap.String("serial", serial), zap.Int("circuit", index), zap.Error(err))
		m.forceRelogin()
		return err
	}

	m.recordEvent("command", circuitAction(on), serial)
	if err := m.client.Refresh(ctx); err != nil {
		m.logger.Warn("Refresh after circuit command failed", zap.Error(err))
	}
	return nil
}

func (m *Manager) recordEvent(category, action, details string) {
	if m.recorder != nil {
		m.recorder.RecordEvent(category, action, details)
	}
}

func powerAction(on bool) string {
	if on {
		return "power_on"
	}
	return "power_off"
}

func circuitAction(on bool) string {
	if on {
		return "circuit_on"
	}
	return "circuit_off"
}
