// Package entity maps the boiler's parameter dictionary onto Home
// Assistant-facing entities: sensors for measured values, ON/OFF sensors for
// bit-like flags, a connectivity sensor per device and switches for main
// power and heating circuits. The catalog tables carry the metadata; the
// manager builds entities from a connected session and republishes them as
// updates arrive.
package entity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"boilerbridge/internal/webboiler"
)

// Entity is one Home Assistant-facing value or control. State and attributes
// are computed from live device parameters on demand; Watch lists the
// parameters whose updates make the entity republish.
type Entity struct {
	Kind        Kind
	UniqueID    string
	ObjectID    string // topic path segment under the device
	Name        string
	Serial      string
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string

	Watch []string

	state func() string
	attrs func() map[string]string
	turn  func(ctx context.Context, on bool) error
}

// State returns the entity's current presentation value.
func (e *Entity) State() string {
	return e.state()
}

// Attributes returns linked attribute values, or nil when the entity has
// none.
func (e *Entity) Attributes() map[string]string {
	if e.attrs == nil {
		return nil
	}
	return e.attrs()
}

// IsCommandable reports whether the entity accepts ON/OFF commands.
func (e *Entity) IsCommandable() bool {
	return e.turn != nil
}

// Turn executes an ON/OFF command against the backing device.
func (e *Entity) Turn(ctx context.Context, on bool) error {
	if e.turn == nil {
		return fmt.Errorf("entity %s does not accept commands", e.UniqueID)
	}
	return e.turn(ctx, on)
}

// NormalizeOnOff maps bit-like boiler values onto "ON"/"OFF". Values that
// cannot be interpreted pass through unchanged so nothing is hidden.
func NormalizeOnOff(raw string) string {
	switch raw {
	case "1", "ON", "On", "on", "TRUE", "True", "true":
		return "ON"
	case "0", "OFF", "Off", "off", "FALSE", "False", "false":
		return "OFF"
	}
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if n == 1 {
			return "ON"
		}
		if n == 0 {
			return "OFF"
		}
	}
	return raw
}

// valueIsOn is the switch-side interpretation of NormalizeOnOff: anything
// that does not clearly read as off counts as on.
func valueIsOn(raw string) bool {
	return NormalizeOnOff(raw) != "OFF"
}

func paramValue(dev *webboiler.Device, name string) string {
	if p := dev.Parameter(name); p != nil {
		return p.Value()
	}
	return ""
}

// newParamSensor builds a sensor (or ON/OFF sensor) for one catalog row.
func newParamSensor(dev *webboiler.Device, def SensorDef, namePrefix string) *Entity {
	kind := KindSensor
	if def.Binary {
		kind = KindBinarySensor
	}

	e := &Entity{
		Kind:        kind,
		UniqueID:    dev.Serial + "-" + def.Param,
		ObjectID:    def.Param,
		Name:        displayName(namePrefix, dev.Product, def.Name),
		Serial:      dev.Serial,
		Unit:        def.Unit,
		DeviceClass: def.DeviceClass,
		StateClass:  def.StateClass,
		Icon:        def.Icon,
		Watch:       []string{def.Param},
	}

	e.state = func() string {
		raw := paramValue(dev, def.Param)
		if def.Binary {
			return NormalizeOnOff(raw)
		}
		if def.Map != nil {
			return def.Map(raw)
		}
		return raw
	}

	if len(def.Attrs) > 0 {
		for param := range def.Attrs {
			e.Watch = append(e.Watch, param)
		}
		e.attrs = func() map[string]string {
			out := make(map[string]string, len(def.Attrs))
			for param, label := range def.Attrs {
				value := paramValue(dev, param)
				if value == "" {
					value = "None"
				}
				out[label] = value
			}
			return out
		}
	}

	return e
}

// newDeviceTypeSensor exposes the static device family (peltec2, cmpelet,
// biotec, ...).
func newDeviceTypeSensor(dev *webboiler.Device, namePrefix string) *Entity {
	return &Entity{
		Kind:     KindSensor,
		UniqueID: dev.Serial + "-Device_Type",
		ObjectID: "Device_Type",
		Name:     displayName(namePrefix, dev.Product, "Device Type"),
		Serial:   dev.Serial,
		Icon:     "mdi:star-circle",
		state:    func() string { return dev.Type },
	}
}

// newFireGridSensor combines the burner grate parameters into one signed
// percent position: +/- int(Ind*100/Max) with the sign taken from Dir.
func newFireGridSensor(dev *webboiler.Device, namePrefix string) *Entity {
	position := func() string {
		ind, errInd := strconv.Atoi(paramValue(dev, "B_resInd"))
		maxPos, errMax := strconv.Atoi(paramValue(dev, "B_resMax"))
		dir, errDir := strconv.Atoi(paramValue(dev, "B_resDir"))
		if errInd != nil || errMax != nil || errDir != nil || maxPos <= 0 {
			return "0"
		}
		pct := ind * 100 / maxPos
		if dir > 0 {
			return fmt.Sprintf("+%d", pct)
		}
		return fmt.Sprintf("-%d", pct)
	}

	return &Entity{
		Kind:     KindSensor,
		UniqueID: dev.Serial + "-B_resInd",
		ObjectID: "B_resInd",
		Name:     displayName(namePrefix, dev.Product, "Fire Grid Position"),
		Serial:   dev.Serial,
		Icon:     "mdi:grid",
		Watch:    []string{"B_resInd", "B_resDir", "B_resMax"},
		state:    position,
		attrs: func() map[string]string {
			return map[string]string{
				"Ind": paramValue(dev, "B_resInd"),
				"Max": paramValue(dev, "B_resMax"),
				"Dir": paramValue(dev, "B_resDir"),
			}
		},
	}
}

// newWorkingTableSensor renders one weekly schedule table. Each PVAL slot
// holds minutes from midnight; a day is three on/off windows, disabled windows
// both read 1440. The sensor state is a placeholder and the rendered schedule
// lives in per-weekday attributes, one "HH:MM-HH:MM" range per window.
func newWorkingTableSensor(dev *webboiler.Device, key, namePrefix string) *Entity {
	days := []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

	slot := func(index int) int {
		n, err := strconv.Atoi(paramValue(dev, fmt.Sprintf("PVAL_%s_%d", key, index)))
		if err != nil {
			return 0
		}
		return n
	}
	window := func(day, pair int) string {
		from := slot(day*6 + pair*2)
		to := slot(day*6 + pair*2 + 1)
		if from == 1440 && to == 1440 {
			return " - "
		}
		return fmt.Sprintf("%02d:%02d-%02d:%02d", from/60, from%60, to/60, to%60)
	}

	watch := make([]string, 0, scheduleSlotCount)
	for i := 0; i < scheduleSlotCount; i++ {
		watch = append(watch, fmt.Sprintf("PVAL_%s_%d", key, i))
	}

	return &Entity{
		Kind:     KindSensor,
		UniqueID: dev.Serial + "-table-" + key,
		ObjectID: "table-" + key,
		Name:     displayName(namePrefix, dev.Product, "Table "+key),
		Serial:   dev.Serial,
		Icon:     "mdi:state-machine",
		Watch:    watch,
		state:    func() string { return "See attributes" },
		attrs: func() map[string]string {
			out := make(map[string]string, len(days))
			for day, name := range days {
				ranges := make([]string, 0, 3)
				for pair := 0; pair < 3; pair++ {
					ranges = append(ranges, window(day, pair))
				}
				out["Table"+key+" "+name] = strings.Join(ranges, " / ")
			}
			return out
		},
	}
}

// newConnectivitySensor reflects the cloud session state. It has no backing
// parameter; the manager republishes it on connectivity edges.
func newConnectivitySensor(dev *webboiler.Device, sess Session, namePrefix string) *Entity {
	return &Entity{
		Kind:        KindBinarySensor,
		UniqueID:    dev.Serial + "-connectivity",
		ObjectID:    "connectivity",
		Name:        displayName(namePrefix, dev.Product, "Connection"),
		Serial:      dev.Serial,
		DeviceClass: "connectivity",
		state: func() string {
			if sess.IsConnected() {
				return "ON"
			}
			return "OFF"
		},
	}
}

// newPowerSwitch controls the boiler's main power. State follows B_CMD, the
// value the controller is told to run with, matching what the vendor web UI
// labels On/Off; B_STATE is only a fallback for firmwares without B_CMD.
func newPowerSwitch(dev *webboiler.Device, sess Session, namePrefix string) *Entity {
	state := func() string {
		if dev.Parameter("B_CMD") != nil {
			if valueIsOn(paramValue(dev, "B_CMD")) {
				return "ON"
			}
			return "OFF"
		}
		if paramValue(dev, "B_STATE") != "OFF" {
			return "ON"
		}
		return "OFF"
	}

	return &Entity{
		Kind:     KindSwitch,
		UniqueID: dev.Serial + "-power",
		ObjectID: "power",
		Name:     displayName(namePrefix, dev.Product, "Boiler Switch"),
		Serial:   dev.Serial,
		Icon:     "mdi:power",
		Watch:    []string{"B_CMD", "B_STATE"},
		state:    state,
		turn: func(ctx context.Context, on bool) error {
			return sess.TurnBoiler(ctx, dev.Serial, on)
		},
	}
}

// newCircuitSwitch controls one heating circuit. The circuit reads as on
// when its current setpoint sits at the configured maximum, which is how the
// controller encodes an enabled circuit.
func newCircuitSwitch(dev *webboiler.Device, circuit webboiler.Circuit, sess Session, namePrefix string) *Entity {
	valueParam := fmt.Sprintf("PVAL_%d_0", circuit.DBIndex)
	onParam := fmt.Sprintf("PMAX_%d_0", circuit.DBIndex)

	state := func() string {
		current, errCur := strconv.Atoi(paramValue(dev, valueParam))
		on, errOn := strconv.Atoi(paramValue(dev, onParam))
		if errCur == nil && errOn == nil && current == on {
			return "ON"
		}
		return "OFF"
	}

	return &Entity{
		Kind:     KindSwitch,
		UniqueID: fmt.Sprintf("%s-circuit-%d", dev.Serial, circuit.DBIndex),
		ObjectID: fmt.Sprintf("circuit-%d", circuit.DBIndex),
		Name:     displayName(namePrefix, dev.Product, circuit.Title),
		Serial:   dev.Serial,
		Icon:     "mdi:radiator",
		Watch: []string{
			valueParam,
			onParam,
			fmt.Sprintf("PDEF_%d_0", circuit.DBIndex),
			fmt.Sprintf("PMIN_%d_0", circuit.DBIndex),
		},
		state: state,
		turn: func(ctx context.Context, on bool) error {
			return sess.TurnCircuit(ctx, dev.Serial, circuit.DBIndex, on)
		},
	}
}

func displayName(prefix, product, description string) string {
	name := product + " " + description
	if prefix != "" {
		name = prefix + " " + name
	}
	return strings.TrimSpace(name)
}
