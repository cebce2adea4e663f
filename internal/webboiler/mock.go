package webboiler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements WebBoilerClient for testing. Operations succeed by
// default; tests script failures, block operations mid-flight and push
// parameter updates by hand.
type MockClient struct {
	mu      sync.Mutex
	devices map[string]*Device

	loginErr       error
	reloginErr     error
	configErr      error
	websocketErr   error
	refreshErr     error
	turnErr        error
	turnCircuitErr error

	loginCalls       int
	reloginCalls     int
	configCalls      int
	websocketCalls   int
	refreshCalls     int
	turnCalls        []TurnCall
	turnCircuitCalls []TurnCircuitCall
	closeCalls       int

	wsConnected  bool
	onUpdate     UpdateHandler
	refreshBlock chan struct{}
	reloginBlock chan struct{}
}

// TurnCall records one boiler power command.
type TurnCall struct {
	Serial string
	On     bool
}

// TurnCircuitCall records one circuit command.
type TurnCircuitCall struct {
	Serial string
	Index  int
	On     bool
}

// NewMockClient creates a mock with no devices and no scripted failures.
func NewMockClient() *MockClient {
	return &MockClient{
		devices: make(map[string]*Device),
	}
}

// AddDevice seeds a device the next Configuration call will expose.
func (m *MockClient) AddDevice(dev *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.Serial] = dev
}

// SetLoginError scripts Login (and Relogin, unless overridden) to fail.
func (m *MockClient) SetLoginError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginErr = err
}

// SetReloginError scripts Relogin to fail independently of Login.
func (m *MockClient) SetReloginError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloginErr = err
}

// SetConfigurationError scripts Configuration to fail.
func (m *MockClient) SetConfigurationError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configErr = err
}

// SetWebsocketError scripts OpenWebsocket to fail.
func (m *MockClient) SetWebsocketError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.websocketErr = err
}

// SetRefreshError scripts Refresh to fail.
func (m *MockClient) SetRefreshError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshErr = err
}

// SetTurnError scripts Turn to fail.
func (m *MockClient) SetTurnError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnErr = err
}

// SetTurnCircuitError scripts TurnCircuit to fail.
func (m *MockClient) SetTurnCircuitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnCircuitErr = err
}

// BlockNextRefresh makes the next Refresh call block until the returned
// channel is closed. Used to test overlapping ticks.
func (m *MockClient) BlockNextRefresh() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshBlock = make(chan struct{})
	return m.refreshBlock
}

// BlockNextRelogin makes the next Relogin call block until the returned
// channel is closed.
func (m *MockClient) BlockNextRelogin() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloginBlock = make(chan struct{})
	return m.reloginBlock
}

// DropWebsocket simulates the push channel dying underneath the session.
func (m *MockClient) DropWebsocket() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsConnected = false
}

// PushParameter sets a parameter value and delivers it through the update
// handler registered by OpenWebsocket, as a real websocket frame would.
func (m *MockClient) PushParameter(serial, name, value string, at time.Time) {
	m.mu.Lock()
	dev := m.devices[serial]
	handler := m.onUpdate
	m.mu.Unlock()

	if dev == nil {
		return
	}
	param := dev.EnsureParameter(name)
	param.Set(value, at)

	if handler != nil {
		handler(dev, param)
	}
}

// LoginCalls returns how many times Login ran.
func (m *MockClient) LoginCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginCalls
}

// ReloginCalls returns how many times Relogin ran.
func (m *MockClient) ReloginCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloginCalls
}

// RefreshCalls returns how many times Refresh ran.
func (m *MockClient) RefreshCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// WebsocketCalls returns how many times OpenWebsocket ran.
func (m *MockClient) WebsocketCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.websocketCalls
}

// CloseCalls returns how many times Close ran.
func (m *MockClient) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// TurnCalls returns all recorded power commands.
func (m *MockClient) TurnCalls() []TurnCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TurnCall, len(m.turnCalls))
	copy(out, m.turnCalls)
	return out
}

// TurnCircuitCalls returns all recorded circuit commands.
func (m *MockClient) TurnCircuitCalls() []TurnCircuitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TurnCircuitCall, len(m.turnCircuitCalls))
	copy(out, m.turnCircuitCalls)
	return out
}

// Login simulates authentication.
func (m *MockClient) Login(ctx context.Context) error {
	m.mu.Lock()
	m.loginCalls++
	err := m.loginErr
	m.mu.Unlock()
	return err
}

// Relogin simulates re-authentication; it drops the websocket first like the
// real client does.
func (m *MockClient) Relogin(ctx context.Context) error {
	m.mu.Lock()
	m.reloginCalls++
	m.wsConnected = false
	err := m.reloginErr
	if err == nil {
		err = m.loginErr
	}
	block := m.reloginBlock
	m.reloginBlock = nil
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

// Configuration simulates fetching the account's installations.
func (m *MockClient) Configuration(ctx context.Context) error {
	m.mu.Lock()
	m.configCalls++
	err := m.configErr
	empty := len(m.devices) == 0
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if empty {
		return fmt.Errorf("configuration: %w: no devices on account", ErrConfiguration)
	}
	return nil
}

// OpenWebsocket simulates connecting the push channel.
func (m *MockClient) OpenWebsocket(onUpdate UpdateHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.websocketCalls++
	if m.websocketErr != nil {
		return m.websocketErr
	}
	m.wsConnected = true
	m.onUpdate = onUpdate
	return nil
}

// Refresh simulates requesting a full value push.
func (m *MockClient) Refresh(ctx context.Context) error {
	m.mu.Lock()
	m.refreshCalls++
	err := m.refreshErr
	block := m.refreshBlock
	m.refreshBlock = nil
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

// Turn records a power command.
func (m *MockClient) Turn(ctx context.Context, serial string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnCalls = append(m.turnCalls, TurnCall{Serial: serial, On: on})
	return m.turnErr
}

// TurnCircuit records a circuit command.
func (m *MockClient) TurnCircuit(ctx context.Context, serial string, index int, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnCircuitCalls = append(m.turnCircuitCalls, TurnCircuitCall{Serial: serial, Index: index, On: on})
	return m.turnCircuitErr
}

// IsWebsocketConnected reports the simulated push channel state.
func (m *MockClient) IsWebsocketConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wsConnected
}

// Devices returns the seeded devices.
func (m *MockClient) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// Device returns the seeded device with the given serial, or nil.
func (m *MockClient) Device(serial string) *Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[serial]
}

// Close simulates teardown.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.wsConnected = false
	return nil
}
