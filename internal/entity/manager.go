package entity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"boilerbridge/internal/session"
	"boilerbridge/internal/webboiler"

	"go.uber.org/zap"
)

// Session is the slice of the session manager the entity layer depends on.
type Session interface {
	Devices() []*webboiler.Device
	Device(serial string) *webboiler.Device
	IsConnected() bool
	TurnBoiler(ctx context.Context, serial string, on bool) error
	TurnCircuit(ctx context.Context, serial string, index int, on bool) error
	Subscribe(serial, name, id string, fn session.UpdateHandler) session.Subscription
	SubscribeConnectivity(id string, fn session.ConnectivityHandler) session.Subscription
}

// Publisher pushes entity state outward whenever it changes. Implemented by
// the MQTT bridge; nil until one is attached.
type Publisher interface {
	PublishState(e *Entity)
}

// Manager builds entities for every device on the session and keeps them
// published: each entity subscribes to its backing parameters through the
// session fan-out and republishes on update.
type Manager struct {
	session    Session
	logger     *zap.Logger
	namePrefix string

	mu        sync.RWMutex
	entities  map[string]*Entity
	ordered   []*Entity
	publisher Publisher
	subs      []session.Subscription
}

// NewManager creates an entity manager on top of a session.
func NewManager(sess Session, logger *zap.Logger) *Manager {
	return &Manager{
		session:  sess,
		logger:   logger.Named("entity"),
		entities: make(map[string]*Entity),
	}
}

// SetNamePrefix prepends a label to every entity display name. Call before
// Build.
func (m *Manager) SetNamePrefix(prefix string) {
	m.namePrefix = prefix
}

// SetPublisher attaches the outbound state sink.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Build creates entities for all devices currently on the session. Call once
// after the session connects; parameters that appear later feed existing
// entities but do not create new ones until the next restart.
func (m *Manager) Build() error {
	devices := m.session.Devices()
	if len(devices) == 0 {
		return errors.New("no devices to build entities from")
	}

	for _, dev := range devices {
		before := len(m.ordered)
		m.buildDevice(dev)
		m.logger.Info("Built entities",
			zap.String("serial", dev.Serial),
			zap.String("type", dev.Type),
			zap.Int("entities", len(m.ordered)-before))
	}

	sub := m.session.SubscribeConnectivity("entity-manager", m.handleConnectivity)
	m.subs = append(m.subs, sub)
	return nil
}

// buildDevice creates the entity set for one device. Bit-like parameters are
// claimed first so the generic factories do not double-expose them; sensors
// run before switches so setpoint sensors exist alongside circuit switches.
func (m *Manager) buildDevice(dev *webboiler.Device) {
	for _, def := range BinarySensors {
		m.addSensor(dev, def)
	}
	for _, def := range CommonSensors {
		m.addSensor(dev, def)
	}
	m.addSensor(dev, ConfigurationSensor)
	for _, key := range ScheduleTables(dev) {
		m.addWorkingTable(dev, key)
	}
	m.add(newDeviceTypeSensor(dev, m.namePrefix))

	for _, pair := range CircuitPrefixes() {
		if !DeviceHasPrefix(dev, pair[0]) {
			continue
		}
		for _, def := range CircuitSensors(pair[0], pair[1]) {
			m.addSensor(dev, def)
		}
	}

	if dev.Type == "peltec2" {
		m.addFireGrid(dev)
		for _, def := range PelTecTemperatures {
			m.addSensor(dev, def)
		}
		for _, def := range PelTecCounters {
			m.addSensor(dev, def)
		}
		for _, def := range PelTecMisc {
			m.addSensor(dev, def)
		}
	}

	for _, def := range SetpointSensors(dev) {
		m.addSensor(dev, def)
	}

	m.add(newConnectivitySensor(dev, m.session, m.namePrefix))

	if PowerSwitchTypes[dev.Type] {
		m.add(newPowerSwitch(dev, m.session, m.namePrefix))
	}
	for _, circuit := range dev.Circuits() {
		m.addCircuitSwitch(dev, circuit)
	}
}

// addSensor creates a catalog-row sensor when the device has the parameter
// and nothing claimed it yet. The parameter and its linked attribute
// parameters are claimed so later factories skip them.
func (m *Manager) addSensor(dev *webboiler.Device, def SensorDef) {
	param := dev.Parameter(def.Param)
	if param == nil || param.Used() {
		return
	}

	if !m.add(newParamSensor(dev, def, m.namePrefix)) {
		return
	}
	param.MarkUsed()
	for attrParam := range def.Attrs {
		if p := dev.Parameter(attrParam); p != nil {
			p.MarkUsed()
		}
	}
}

// addFireGrid creates the combined grate-position sensor when the device has
// the whole B_resInd/B_resDir/B_resMax trio.
func (m *Manager) addFireGrid(dev *webboiler.Device) {
	for _, name := range []string{"B_resInd", "B_resDir", "B_resMax"} {
		p := dev.Parameter(name)
		if p == nil || p.Used() {
			return
		}
	}
	if !m.add(newFireGridSensor(dev, m.namePrefix)) {
		return
	}
	for _, name := range []string{"B_resInd", "B_resDir", "B_resMax"} {
		dev.Parameter(name).MarkUsed()
	}
}

// addWorkingTable creates the weekly schedule sensor for one complete PVAL
// table and claims its slots so the setpoint factory skips them.
func (m *Manager) addWorkingTable(dev *webboiler.Device, key string) {
	if !m.add(newWorkingTableSensor(dev, key, m.namePrefix)) {
		return
	}
	for i := 0; i < scheduleSlotCount; i++ {
		if p := dev.Parameter(fmt.Sprintf("PVAL_%s_%d", key, i)); p != nil {
			p.MarkUsed()
		}
	}
}

// addCircuitSwitch creates the on/off switch for one heating circuit when
// its setpoint parameter family is present.
func (m *Manager) addCircuitSwitch(dev *webboiler.Device, circuit webboiler.Circuit) {
	if dev.Parameter(fmt.Sprintf("PVAL_%d_0", circuit.DBIndex)) == nil {
		return
	}
	m.add(newCircuitSwitch(dev, circuit, m.session, m.namePrefix))
}

// add registers an entity and wires its parameter subscriptions. Duplicate
// unique IDs are dropped, first creation wins.
func (m *Manager) add(e *Entity) bool {
	m.mu.Lock()
	if _, exists := m.entities[e.UniqueID]; exists {
		m.mu.Unlock()
		m.logger.Debug("Skipping duplicate entity", zap.String("unique_id", e.UniqueID))
		return false
	}
	m.entities[e.UniqueID] = e
	m.ordered = append(m.ordered, e)
	m.mu.Unlock()

	for _, param := range e.Watch {
		sub := m.session.Subscribe(e.Serial, param, e.UniqueID,
			func(*webboiler.Device, *webboiler.Parameter) { m.publish(e) })
		m.subs = append(m.subs, sub)
	}
	return true
}

func (m *Manager) publish(e *Entity) {
	m.mu.RLock()
	pub := m.publisher
	m.mu.RUnlock()

	if pub != nil {
		pub.PublishState(e)
	}
}

// handleConnectivity republishes the connectivity sensors on session edges.
func (m *Manager) handleConnectivity(online bool) {
	for _, e := range m.Entities() {
		if e.DeviceClass == "connectivity" {
			m.publish(e)
		}
	}
}

// Entities returns all entities in creation order.
func (m *Manager) Entities() []*Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entity, len(m.ordered))
	copy(out, m.ordered)
	return out
}

// Count returns the number of registered entities.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ordered)
}

// Entity returns one entity by unique ID, or nil.
func (m *Manager) Entity(uniqueID string) *Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entities[uniqueID]
}

// HandleCommand routes an ON/OFF command payload to the entity addressed by
// serial and object ID. Used by the MQTT bridge's command topics and the
// HTTP API.
func (m *Manager) HandleCommand(ctx context.Context, serial, objectID, payload string) error {
	e := m.Entity(serial + "-" + objectID)
	if e == nil || !e.IsCommandable() {
		return fmt.Errorf("no commandable entity %s on device %s", objectID, serial)
	}

	var on bool
	switch NormalizeOnOff(payload) {
	case "ON":
		on = true
	case "OFF":
		on = false
	default:
		return fmt.Errorf("unsupported command payload %q", payload)
	}

	m.logger.Info("Executing command",
		zap.String("serial", serial), zap.String("object", objectID), zap.Bool("on", on))

	if err := e.Turn(ctx, on); err != nil {
		return err
	}
	m.publish(e)
	return nil
}

// Close drops all parameter subscriptions.
func (m *Manager) Close() {
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
}
