package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"boilerbridge/internal/clock"
	"boilerbridge/internal/webboiler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *webboiler.MockClient, *clock.MockClock) {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	client := webboiler.NewMockClient()
	client.AddDevice(webboiler.NewDevice("PLT-1234", "PelTec 48", "peltec2"))

	m := NewManager(client, logger)
	mc := clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m.SetClock(mc)
	return m, client, mc
}

// settle lets asynchronous tick operations finish.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func TestManager_Start(t *testing.T) {
	t.Run("valid credentials connect", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()

		err := m.Start()
		require.NoError(t, err)

		assert.Equal(t, StateConnected, m.State())
		assert.True(t, m.IsConnected())
		assert.Equal(t, 1, client.LoginCalls())
		assert.Equal(t, 1, client.WebsocketCalls())
		assert.Equal(t, 1, client.RefreshCalls())
		assert.Equal(t, mc.Now(), m.LastRefresh())
	})

	t.Run("invalid credentials disconnect without websocket", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		defer m.Stop()

		client.SetLoginError(fmt.Errorf("login: %w", webboiler.ErrAuthentication))

		err := m.Start()
		require.Error(t, err)
		assert.ErrorIs(t, err, webboiler.ErrAuthentication)

		assert.Equal(t, StateDisconnected, m.State())
		assert.False(t, m.IsConnected())
		assert.Zero(t, client.WebsocketCalls())
		assert.Zero(t, client.RefreshCalls())
	})

	t.Run("empty account configuration disconnects", func(t *testing.T) {
		logger, _ := zap.NewDevelopment()
		client := webboiler.NewMockClient() // no devices seeded
		m := NewManager(client, logger)
		m.SetClock(clock.NewMockClock(time.Now()))
		defer m.Stop()

		err := m.Start()
		require.Error(t, err)
		assert.ErrorIs(t, err, webboiler.ErrConfiguration)
		assert.Equal(t, StateDisconnected, m.State())
		assert.Zero(t, client.WebsocketCalls())
	})

	t.Run("websocket failure disconnects", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		defer m.Stop()

		client.SetWebsocketError(fmt.Errorf("open websocket: %w", webboiler.ErrConnectivity))

		err := m.Start()
		require.Error(t, err)
		assert.Equal(t, StateDisconnected, m.State())
		assert.Zero(t, client.RefreshCalls())
	})

	t.Run("second start rejected", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		defer m.Stop()

		require.NoError(t, m.Start())
		assert.Error(t, m.Start())
	})

	t.Run("failure timestamps still gate the retry window", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()

		client.SetLoginError(fmt.Errorf("login: %w", webboiler.ErrAuthentication))
		startAt := mc.Now()

		require.Error(t, m.Start())
		assert.Equal(t, startAt, m.LastLoginAttempt())
	})
}

func TestManager_TickRefresh(t *testing.T) {
	t.Run("no refresh before the interval elapses", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())
		connectedAt := m.LastRefresh()

		mc.Advance(RefreshInterval - time.Second)
		m.tick()
		settle()

		assert.Equal(t, 1, client.RefreshCalls())
		assert.Equal(t, StateConnected, m.State())
		assert.Equal(t, connectedAt, m.LastRefresh())
	})

	t.Run("exactly one refresh once the interval elapses", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		mc.Advance(RefreshInterval)
		m.tick()
		settle()

		assert.Equal(t, 2, client.RefreshCalls())
		assert.Equal(t, StateConnected, m.State())
		assert.Equal(t, mc.Now(), m.LastRefresh())
	})

	t.Run("overlapping ticks are dropped while a refresh runs", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		release := client.BlockNextRefresh()
		mc.Advance(RefreshInterval)
		m.tick()
		settle()

		// The refresh is still blocked; further ticks must not start another.
		m.tick()
		m.tick()
		settle()

		close(release)
		settle()

		assert.Equal(t, 2, client.RefreshCalls())
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("failed refresh goes through relogin", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		client.SetRefreshError(fmt.Errorf("refresh: %w", webboiler.ErrConnectivity))
		client.SetReloginError(fmt.Errorf("relogin: %w", webboiler.ErrConnectivity))

		mc.Advance(RefreshInterval)
		attemptAt := mc.Now()
		m.tick()
		settle()

		assert.Equal(t, StateDisconnected, m.State())
		assert.Equal(t, 1, client.ReloginCalls())
		assert.Equal(t, attemptAt, m.LastLoginAttempt())
	})
}

func TestManager_TickRelogin(t *testing.T) {
	disconnected := func(t *testing.T) (*Manager, *webboiler.MockClient, *clock.MockClock) {
		t.Helper()
		m, client, mc := newTestManager(t)
		require.NoError(t, m.Start())

		// Session goes down 30s after connecting.
		mc.Advance(30 * time.Second)
		client.DropWebsocket()
		m.tick()
		settle()
		require.Equal(t, StateDisconnected, m.State())
		return m, client, mc
	}

	t.Run("websocket drop is detected", func(t *testing.T) {
		m, _, _ := disconnected(t)
		defer m.Stop()

		assert.False(t, m.IsConnected())
	})

	t.Run("no relogin before the retry window", func(t *testing.T) {
		m, client, mc := disconnected(t)
		defer m.Stop()

		mc.Advance(29 * time.Second) // 59s since the initial login attempt
		m.tick()
		settle()

		assert.Zero(t, client.ReloginCalls())
		assert.Equal(t, StateDisconnected, m.State())
	})

	t.Run("relogin fires once the window elapses", func(t *testing.T) {
		m, client, mc := disconnected(t)
		defer m.Stop()

		mc.Advance(30 * time.Second) // 60s since the initial login attempt
		m.tick()
		settle()

		assert.Equal(t, 1, client.ReloginCalls())
		assert.Equal(t, StateConnected, m.State())
		assert.True(t, m.IsConnected())
	})

	t.Run("attempt timestamp updates even when relogin fails", func(t *testing.T) {
		m, client, mc := disconnected(t)
		defer m.Stop()

		client.SetReloginError(fmt.Errorf("relogin: %w", webboiler.ErrConnectivity))

		mc.Advance(30 * time.Second)
		attemptAt := mc.Now()
		m.tick()
		settle()

		assert.Equal(t, 1, client.ReloginCalls())
		assert.Equal(t, StateDisconnected, m.State())
		assert.Equal(t, attemptAt, m.LastLoginAttempt())
	})

	t.Run("repeated failures retry exactly once per window", func(t *testing.T) {
		m, client, mc := disconnected(t)
		defer m.Stop()

		client.SetReloginError(fmt.Errorf("relogin: %w", webboiler.ErrAuthentication))

		// Bring the session to its first failed relogin.
		mc.Advance(30 * time.Second)
		m.tick()
		settle()
		require.Equal(t, 1, client.ReloginCalls())

		for want := 2; want <= 4; want++ {
			mc.Advance(LoginRetryInterval - time.Second)
			m.tick()
			settle()
			assert.Equal(t, want-1, client.ReloginCalls(), "attempt fired before the window elapsed")

			mc.Advance(time.Second)
			m.tick()
			settle()
			assert.Equal(t, want, client.ReloginCalls())
			assert.Equal(t, StateDisconnected, m.State())
		}
	})
}

func TestManager_StopIdempotent(t *testing.T) {
	t.Run("double stop releases once", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		require.NoError(t, m.Start())

		m.Stop()
		m.Stop()

		assert.Equal(t, 1, client.CloseCalls())
		assert.False(t, m.IsConnected())
	})

	t.Run("stop without start is a no-op", func(t *testing.T) {
		m, client, _ := newTestManager(t)

		m.Stop()
		assert.Zero(t, client.CloseCalls())
	})

	t.Run("ticks after stop do nothing", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		require.NoError(t, m.Start())
		m.Stop()

		mc.Advance(RefreshInterval + time.Minute)
		m.tick()
		settle()

		assert.Equal(t, 1, client.RefreshCalls())
		assert.Zero(t, client.ReloginCalls())
	})
}

func TestManager_Watchdog(t *testing.T) {
	t.Run("forces relogin when data goes stale", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		// One real update right after connecting, then silence.
		client.PushParameter("PLT-1234", "B_Tk1", "70.1", mc.Now())

		// Refreshes keep succeeding on cadence but yield no pushed data.
		for i := 0; i < 2; i++ {
			mc.Advance(RefreshInterval)
			m.tick()
			settle()
		}
		require.Equal(t, 3, client.RefreshCalls())
		require.Zero(t, client.ReloginCalls())

		// 130s later no refresh is due yet, the data is 610s old and the
		// watchdog check restarts the session even though the websocket
		// still reports healthy.
		mc.Advance(130 * time.Second)
		m.tick()
		settle()

		assert.Equal(t, 1, client.ReloginCalls())
		assert.Equal(t, StateConnected, m.State())
	})

	t.Run("cooldown prevents restart storms", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		client.PushParameter("PLT-1234", "B_Tk1", "70.1", mc.Now())

		// Walk to the first forced restart: two quiet refresh cycles, then
		// a watchdog check with the data 610s old.
		mc.Advance(RefreshInterval)
		m.tick()
		settle()
		mc.Advance(RefreshInterval)
		m.tick()
		settle()
		mc.Advance(130 * time.Second)
		m.tick()
		settle()
		require.Equal(t, 1, client.ReloginCalls())

		// Still stale two checks later, but inside the cooldown.
		mc.Advance(watchdogInterval)
		m.tick()
		settle()
		mc.Advance(watchdogInterval)
		m.tick()
		settle()

		assert.Equal(t, 1, client.ReloginCalls())
	})

	t.Run("fresh data keeps the session alone", func(t *testing.T) {
		m, client, mc := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		for i := 0; i < 6; i++ {
			client.PushParameter("PLT-1234", "B_Tk1", "70.1", mc.Now())
			mc.Advance(watchdogInterval)
			m.tick()
			settle()
		}

		assert.Zero(t, client.ReloginCalls())
	})
}

func TestManager_Commands(t *testing.T) {
	t.Run("power command refreshes on success", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		err := m.TurnBoiler(context.Background(), "PLT-1234", true)
		require.NoError(t, err)

		calls := client.TurnCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "PLT-1234", calls[0].Serial)
		assert.True(t, calls[0].On)
		assert.Equal(t, 2, client.RefreshCalls())
	})

	t.Run("failed power command returns the error", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		client.SetTurnError(fmt.Errorf("turn: %w", webboiler.ErrConnectivity))

		err := m.TurnBoiler(context.Background(), "PLT-1234", false)
		assert.Error(t, err)
		assert.Equal(t, 1, client.RefreshCalls())
	})

	t.Run("rejected circuit command forces a relogin", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		client.SetTurnCircuitError(fmt.Errorf("turn circuit: %w", webboiler.ErrAuthentication))

		err := m.TurnCircuit(context.Background(), "PLT-1234", 1, true)
		require.Error(t, err)
		settle()

		assert.Equal(t, 1, client.ReloginCalls())
	})

	t.Run("successful circuit command refreshes", func(t *testing.T) {
		m, client, _ := newTestManager(t)
		defer m.Stop()
		require.NoError(t, m.Start())

		err := m.TurnCircuit(context.Background(), "PLT-1234", 2, false)
		require.NoError(t, err)

		calls := client.TurnCircuitCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, 2, calls[0].Index)
		assert.False(t, calls[0].On)
		assert.Zero(t, client.ReloginCalls())
	})
}

type fakeRecorder struct {
	mu       sync.Mutex
	events   []string
	readings []string
}

func (r *fakeRecorder) RecordEvent(category, action, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, category+"/"+action)
}

func (r *fakeRecorder) RecordReading(serial, parameter, value string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, serial+"/"+parameter+"="+value)
}

func (r *fakeRecorder) has(entry string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == entry {
			return true
		}
	}
	return false
}

func TestManager_Recorder(t *testing.T) {
	m, client, mc := newTestManager(t)
	rec := &fakeRecorder{}
	m.SetRecorder(rec)
	defer m.Stop()

	require.NoError(t, m.Start())
	assert.True(t, rec.has("session/started"))
	assert.True(t, rec.has("session/login_ok"))

	client.PushParameter("PLT-1234", "B_Tk1", "71.0", mc.Now())
	rec.mu.Lock()
	readings := append([]string(nil), rec.readings...)
	rec.mu.Unlock()
	require.Len(t, readings, 1)
	assert.Equal(t, "PLT-1234/B_Tk1=71.0", readings[0])

	require.NoError(t, m.TurnBoiler(context.Background(), "PLT-1234", true))
	assert.True(t, rec.has("command/power_on"))

	m.Stop()
	assert.True(t, rec.has("session/stopped"))
}
