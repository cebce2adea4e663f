package hass

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"boilerbridge/internal/clock"
	"boilerbridge/internal/entity"
	"boilerbridge/internal/session"
	"boilerbridge/internal/webboiler"
)

func newTestBridge(t *testing.T) (*Bridge, *entity.Manager) {
	t.Helper()

	logger, _ := zap.NewDevelopment()

	dev := webboiler.NewDevice("PLT-1234", "PelTec 48", "peltec2")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, value := range map[string]string{
		"B_STATE":    "S7-1",
		"B_CMD":      "1",
		"B_VER":      "1.84",
		"B_Tk1":      "70.5",
		"PVAL_320_0": "61",
		"PMAX_320_0": "61",
	} {
		dev.EnsureParameter(name).Set(value, at)
	}
	dev.SetCircuits([]webboiler.Circuit{{Title: "Ground-floor heating", DBIndex: 320}})

	client := webboiler.NewMockClient()
	client.AddDevice(dev)

	sess := session.NewManager(client, logger)
	sess.SetClock(clock.NewMockClock(at))
	require.NoError(t, sess.Start())
	t.Cleanup(sess.Stop)

	entities := entity.NewManager(sess, logger)
	require.NoError(t, entities.Build())

	b := NewBridge(Options{
		BrokerURL:  "tcp://localhost:1883",
		ClientID:   "boilerbridge-test",
		InstanceID: "0190e5a0-test",
		BridgeName: "Boiler",
	}, entities, sess, logger)
	return b, entities
}

func TestTopics(t *testing.T) {
	b, entities := newTestBridge(t)

	sensor := entities.Entity("PLT-1234-B_Tk1")
	require.NotNil(t, sensor)
	assert.Equal(t, "homeassistant/sensor/PLT-1234/B_Tk1/config", b.ConfigTopic(sensor))
	assert.Equal(t, "boilerbridge/PLT-1234/B_Tk1/state", b.StateTopic(sensor))

	sw := entities.Entity("PLT-1234-power")
	require.NotNil(t, sw)
	assert.Equal(t, "homeassistant/switch/PLT-1234/power/config", b.ConfigTopic(sw))
	assert.Equal(t, "boilerbridge/PLT-1234/power/set", b.CommandTopic(sw))
}

func TestDiscoveryConfig(t *testing.T) {
	b, entities := newTestBridge(t)

	t.Run("sensor", func(t *testing.T) {
		cfg := b.DiscoveryConfig(entities.Entity("PLT-1234-B_Tk1"))

		assert.Equal(t, "PelTec 48 Boiler Temperature", cfg.Name)
		assert.Equal(t, "PLT-1234-B_Tk1", cfg.UniqueID)
		assert.Equal(t, "boilerbridge/PLT-1234/B_Tk1/state", cfg.StateTopic)
		assert.Equal(t, "boilerbridge/bridge/availability", cfg.AvailabilityTopic)
		assert.Equal(t, "°C", cfg.UnitOfMeasurement)
		assert.Equal(t, "temperature", cfg.DeviceClass)
		assert.Equal(t, "measurement", cfg.StateClass)
		assert.Empty(t, cfg.CommandTopic)
		assert.Empty(t, cfg.PayloadOn)
	})

	t.Run("switch carries a command topic", func(t *testing.T) {
		cfg := b.DiscoveryConfig(entities.Entity("PLT-1234-power"))

		assert.Equal(t, "boilerbridge/PLT-1234/power/set", cfg.CommandTopic)
		assert.Equal(t, "ON", cfg.PayloadOn)
		assert.Equal(t, "OFF", cfg.PayloadOff)
	})

	t.Run("entities share one device block", func(t *testing.T) {
		sensorCfg := b.DiscoveryConfig(entities.Entity("PLT-1234-B_Tk1"))
		switchCfg := b.DiscoveryConfig(entities.Entity("PLT-1234-power"))

		assert.Equal(t, sensorCfg.Device, switchCfg.Device)
		assert.Equal(t, []string{"0190e5a0-test-PLT-1234"}, sensorCfg.Device.Identifiers)
		assert.Equal(t, "Centrometal", sensorCfg.Device.Manufacturer)
		assert.Equal(t, "PelTec 48", sensorCfg.Device.Model)
		assert.Equal(t, "1.84", sensorCfg.Device.SWVersion)
	})

	t.Run("entity with attributes announces the topic", func(t *testing.T) {
		cfg := b.DiscoveryConfig(entities.Entity("PLT-1234-PVAL_320_0"))
		assert.Equal(t, "boilerbridge/PLT-1234/PVAL_320_0/attributes", cfg.JSONAttributesTopic)
	})
}

func TestParseCommandTopic(t *testing.T) {
	b, _ := newTestBridge(t)

	serial, objectID, ok := b.ParseCommandTopic("boilerbridge/PLT-1234/power/set")
	require.True(t, ok)
	assert.Equal(t, "PLT-1234", serial)
	assert.Equal(t, "power", objectID)

	for _, topic := range []string{
		"boilerbridge/PLT-1234/power/state",
		"boilerbridge/PLT-1234/set",
		"other/PLT-1234/power/set",
		"boilerbridge//power/set",
	} {
		_, _, ok := b.ParseCommandTopic(topic)
		assert.False(t, ok, topic)
	}
}

func TestSanitizeTopic(t *testing.T) {
	assert.Equal(t, "PLT-1234", sanitizeTopic("PLT-1234"))
	assert.Equal(t, "circuit-320", sanitizeTopic("circuit-320"))
	assert.Equal(t, "a_b_c", sanitizeTopic("a/b+c"))
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
