package session

import (
	"sync"
	"testing"
	"time"

	"boilerbridge/internal/clock"
	"boilerbridge/internal/webboiler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// updateRecorder collects parameter deliveries. Connectivity callbacks arrive
// on session goroutines, so everything locks.
type updateRecorder struct {
	mu     sync.Mutex
	values []string
	online []bool
}

func (r *updateRecorder) record(dev *webboiler.Device, param *webboiler.Parameter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, param.Value())
}

func (r *updateRecorder) recordOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.online = append(r.online, online)
}

func (r *updateRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func (r *updateRecorder) onlineEdges() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.online...)
}

func startedManager(t *testing.T) (*Manager, *webboiler.MockClient, *clock.MockClock) {
	t.Helper()
	m, client, mc := newTestManager(t)
	require.NoError(t, m.Start())
	return m, client, mc
}

func TestManager_Subscriptions(t *testing.T) {
	t.Run("updates fan out to every subscriber", func(t *testing.T) {
		m, client, mc := startedManager(t)
		defer m.Stop()

		first := &updateRecorder{}
		second := &updateRecorder{}
		m.Subscribe("PLT-1234", "B_Tk1", "sensor-a", first.record)
		m.Subscribe("PLT-1234", "B_Tk1", "sensor-b", second.record)

		client.PushParameter("PLT-1234", "B_Tk1", "68.4", mc.Now())

		assert.Equal(t, []string{"68.4"}, first.recorded())
		assert.Equal(t, []string{"68.4"}, second.recorded())
	})

	t.Run("other parameters stay quiet", func(t *testing.T) {
		m, client, mc := startedManager(t)
		defer m.Stop()

		rec := &updateRecorder{}
		m.Subscribe("PLT-1234", "B_Tk1", "sensor-a", rec.record)

		client.PushParameter("PLT-1234", "B_Tva1", "44.0", mc.Now())

		assert.Empty(t, rec.recorded())
	})

	t.Run("same id replaces the previous handler", func(t *testing.T) {
		m, client, mc := startedManager(t)
		defer m.Stop()

		old := &updateRecorder{}
		current := &updateRecorder{}
		m.Subscribe("PLT-1234", "B_Tk1", "sensor-a", old.record)
		m.Subscribe("PLT-1234", "B_Tk1", "sensor-a", current.record)

		client.PushParameter("PLT-1234", "B_Tk1", "68.4", mc.Now())

		assert.Empty(t, old.recorded())
		assert.Equal(t, []string{"68.4"}, current.recorded())
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		m, client, mc := startedManager(t)
		defer m.Stop()

		rec := &updateRecorder{}
		sub := m.Subscribe("PLT-1234", "B_Tk1", "sensor-a", rec.record)

		client.PushParameter("PLT-1234", "B_Tk1", "68.4", mc.Now())
		require.NoError(t, sub.Unsubscribe())
		client.PushParameter("PLT-1234", "B_Tk1", "69.0", mc.Now())

		assert.Equal(t, []string{"68.4"}, rec.recorded())
		assert.NoError(t, sub.Unsubscribe(), "second unsubscribe must not fail")
	})

	t.Run("handler may unsubscribe itself mid-delivery", func(t *testing.T) {
		m, client, mc := startedManager(t)
		defer m.Stop()

		other := &updateRecorder{}
		var sub Subscription
		var selfCalls int
		sub = m.Subscribe("PLT-1234", "B_Tk1", "one-shot", func(dev *webboiler.Device, param *webboiler.Parameter) {
			selfCalls++
			require.NoError(t, sub.Unsubscribe())
		})
		m.Subscribe("PLT-1234", "B_Tk1", "steady", other.record)

		client.PushParameter("PLT-1234", "B_Tk1", "68.4", mc.Now())
		client.PushParameter("PLT-1234", "B_Tk1", "69.0", mc.Now())

		assert.Equal(t, 1, selfCalls)
		assert.Equal(t, []string{"68.4", "69.0"}, other.recorded())
	})
}

func TestManager_ConnectivitySubscriptions(t *testing.T) {
	t.Run("initial connect notifies", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		defer m.Stop()

		rec := &updateRecorder{}
		m.SubscribeConnectivity("bridge", rec.recordOnline)

		require.NoError(t, m.Start())
		assert.Equal(t, []bool{true}, rec.onlineEdges())
	})

	t.Run("edges only, no repeats", func(t *testing.T) {
		m, client, mc := startedManager(t)
		defer m.Stop()

		rec := &updateRecorder{}
		m.SubscribeConnectivity("bridge", rec.recordOnline)

		// Down: drop detected once; further down ticks stay silent.
		client.DropWebsocket()
		mc.Advance(time.Second)
		m.tick()
		settle()
		mc.Advance(time.Second)
		m.tick()
		settle()
		assert.Equal(t, []bool{false}, rec.onlineEdges())

		// Back up after the retry window.
		mc.Advance(LoginRetryInterval)
		m.tick()
		settle()
		assert.Equal(t, []bool{false, true}, rec.onlineEdges())
	})

	t.Run("stop notifies subscribers", func(t *testing.T) {
		m, _, _ := startedManager(t)

		rec := &updateRecorder{}
		m.SubscribeConnectivity("bridge", rec.recordOnline)

		m.Stop()
		assert.Equal(t, []bool{false}, rec.onlineEdges())
	})

	t.Run("unsubscribed bridges stay quiet", func(t *testing.T) {
		m, _, _ := startedManager(t)

		rec := &updateRecorder{}
		sub := m.SubscribeConnectivity("bridge", rec.recordOnline)
		require.NoError(t, sub.Unsubscribe())

		m.Stop()
		assert.Empty(t, rec.onlineEdges())
	})
}
