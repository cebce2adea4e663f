// Package hass announces the bridge's entities to Home Assistant over MQTT
// discovery and keeps their states published. Home Assistant itself stays an
// external system: it sees retained discovery configs, per-entity state
// topics and an availability topic, and sends ON/OFF commands back on the
// command topics.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"boilerbridge/internal/entity"
	"boilerbridge/internal/webboiler"
)

const commandTimeout = 10 * time.Second

// Entities is the slice of the entity manager the bridge depends on.
type Entities interface {
	Entities() []*entity.Entity
	HandleCommand(ctx context.Context, serial, objectID, payload string) error
}

// Devices resolves device metadata for the discovery payloads.
type Devices interface {
	Device(serial string) *webboiler.Device
}

// Options configures the broker connection and topic layout.
type Options struct {
	BrokerURL       string
	Username        string
	Password        string
	ClientID        string
	DiscoveryPrefix string // Home Assistant discovery prefix, normally "homeassistant"
	TopicPrefix     string // base of the bridge's own state/command topics
	InstanceID      string // stable identity mixed into HA device identifiers
	BridgeName      string // display name of the HA devices
}

// Bridge owns the MQTT connection. Paho reconnects on its own; every
// (re)connect republishes the retained discovery configs, the availability
// flag and all current states, so Home Assistant restarts recover cleanly.
type Bridge struct {
	opts     Options
	entities Entities
	devices  Devices
	logger   *zap.Logger
	client   mqtt.Client
}

// NewBridge creates a bridge; Connect establishes the broker session.
func NewBridge(opts Options, entities Entities, devices Devices, logger *zap.Logger) *Bridge {
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "boilerbridge"
	}
	return &Bridge{
		opts:     opts,
		entities: entities,
		devices:  devices,
		logger:   logger.Named("hass"),
	}
}

// Connect dials the broker. The last-will marks the bridge offline if the
// process dies without a clean Close.
func (b *Bridge) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.opts.BrokerURL)
	opts.SetClientID(b.opts.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetWill(b.availabilityTopic(), "offline", 1, true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username)
		opts.SetPassword(b.opts.Password)
	}

	b.client = mqtt.NewClient(opts)

	b.logger.Info("Connecting to MQTT broker", zap.String("broker", b.opts.BrokerURL))
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", b.opts.BrokerURL, token.Error())
	}
	return nil
}

// onConnect runs on every broker (re)connect: announce entities, flip the
// availability flag, push current states, and listen for commands.
func (b *Bridge) onConnect(client mqtt.Client) {
	b.logger.Info("MQTT connected, publishing discovery configs")

	for _, e := range b.entities.Entities() {
		b.publishDiscovery(e)
	}

	client.Publish(b.availabilityTopic(), 1, true, "online")

	for _, e := range b.entities.Entities() {
		b.PublishState(e)
	}

	filter := b.opts.TopicPrefix + "/+/+/set"
	if token := client.Subscribe(filter, 1, b.handleCommandMessage); token.Wait() && token.Error() != nil {
		b.logger.Error("Failed to subscribe to command topics",
			zap.String("filter", filter), zap.Error(token.Error()))
	}
}

// publishDiscovery announces one entity with a retained config message.
func (b *Bridge) publishDiscovery(e *entity.Entity) {
	payload, err := json.Marshal(b.DiscoveryConfig(e))
	if err != nil {
		b.logger.Error("Failed to marshal discovery config",
			zap.String("unique_id", e.UniqueID), zap.Error(err))
		return
	}
	b.client.Publish(b.ConfigTopic(e), 1, true, payload)
}

// PublishState pushes the entity's current value (and attributes, when it has
// any). Implements the entity manager's Publisher, so pushed parameter
// updates land here.
func (b *Bridge) PublishState(e *entity.Entity) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}

	b.client.Publish(b.StateTopic(e), 1, true, e.State())

	if attrs := e.Attributes(); attrs != nil {
		payload, err := json.Marshal(attrs)
		if err != nil {
			b.logger.Error("Failed to marshal attributes",
				zap.String("unique_id", e.UniqueID), zap.Error(err))
			return
		}
		b.client.Publish(b.attributesTopic(e), 1, true, payload)
	}
}

// handleCommandMessage routes one inbound set message to the entity manager.
func (b *Bridge) handleCommandMessage(_ mqtt.Client, msg mqtt.Message) {
	serial, objectID, ok := b.ParseCommandTopic(msg.Topic())
	if !ok {
		b.logger.Warn("Ignoring command on unexpected topic", zap.String("topic", msg.Topic()))
		return
	}

	payload := string(msg.Payload())
	b.logger.Info("Received command",
		zap.String("serial", serial), zap.String("object", objectID), zap.String("payload", payload))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := b.entities.HandleCommand(ctx, serial, objectID, payload); err != nil {
		b.logger.Warn("Command failed",
			zap.String("serial", serial), zap.String("object", objectID), zap.Error(err))
	}
}

// DiscoveryConfig builds the Home Assistant discovery payload for one entity.
func (b *Bridge) DiscoveryConfig(e *entity.Entity) EntityConfig {
	cfg := EntityConfig{
		Name:              e.Name,
		UniqueID:          e.UniqueID,
		StateTopic:        b.StateTopic(e),
		AvailabilityTopic: b.availabilityTopic(),
		DeviceClass:       e.DeviceClass,
		StateClass:        e.StateClass,
		UnitOfMeasurement: e.Unit,
		Icon:              e.Icon,
		Device:            b.deviceInfo(e.Serial),
	}

	if e.Kind == entity.KindBinarySensor || e.Kind == entity.KindSwitch {
		cfg.PayloadOn = "ON"
		cfg.PayloadOff = "OFF"
	}
	if e.IsCommandable() {
		cfg.CommandTopic = b.CommandTopic(e)
	}
	if e.Attributes() != nil {
		cfg.JSONAttributesTopic = b.attributesTopic(e)
	}
	return cfg
}

// deviceInfo builds the shared HA device block for one boiler, so all its
// entities group under a single device page.
func (b *Bridge) deviceInfo(serial string) DeviceInfo {
	info := DeviceInfo{
		Identifiers:  []string{b.opts.InstanceID + "-" + serial},
		Name:         strings.TrimSpace(b.opts.BridgeName + " " + serial),
		Manufacturer: "Centrometal",
	}

	if dev := b.devices.Device(serial); dev != nil {
		info.Model = dev.Product
		if p := dev.Parameter("B_VER"); p != nil {
			info.SWVersion = p.Value()
		}
	}
	return info
}

// ConfigTopic is where the entity's retained discovery config lives.
func (b *Bridge) ConfigTopic(e *entity.Entity) string {
	return fmt.Sprintf("%s/%s/%s/%s/config",
		b.opts.DiscoveryPrefix, string(e.Kind), sanitizeTopic(e.Serial), sanitizeTopic(e.ObjectID))
}

// StateTopic carries the entity's current value.
func (b *Bridge) StateTopic(e *entity.Entity) string {
	return fmt.Sprintf("%s/%s/%s/state",
		b.opts.TopicPrefix, sanitizeTopic(e.Serial), sanitizeTopic(e.ObjectID))
}

// CommandTopic is where Home Assistant sends ON/OFF for commandable entities.
func (b *Bridge) CommandTopic(e *entity.Entity) string {
	return fmt.Sprintf("%s/%s/%s/set",
		b.opts.TopicPrefix, sanitizeTopic(e.Serial), sanitizeTopic(e.ObjectID))
}

func (b *Bridge) attributesTopic(e *entity.Entity) string {
	return fmt.Sprintf("%s/%s/%s/attributes",
		b.opts.TopicPrefix, sanitizeTopic(e.Serial), sanitizeTopic(e.ObjectID))
}

func (b *Bridge) availabilityTopic() string {
	return b.opts.TopicPrefix + "/bridge/availability"
}

// ParseCommandTopic extracts serial and object ID from an inbound set topic.
func (b *Bridge) ParseCommandTopic(topic string) (serial, objectID string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.opts.TopicPrefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// sanitizeTopic replaces characters MQTT topics and HA object IDs reject.
func sanitizeTopic(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// Close marks the bridge offline and disconnects. Safe to call without a
// prior successful Connect.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		token := b.client.Publish(b.availabilityTopic(), 1, true, "offline")
		token.WaitTimeout(2 * time.Second)
	}
	b.client.Disconnect(250)
	b.logger.Info("MQTT bridge closed")
}
