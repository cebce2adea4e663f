package entity

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"boilerbridge/internal/webboiler"
)

// Kind maps onto the Home Assistant component an entity is announced as.
type Kind string

const (
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindSwitch       Kind = "switch"
)

// SensorDef describes how one boiler parameter is presented: display name,
// unit, Home Assistant device/state class and icon, plus an optional value
// mapping and linked attribute parameters.
type SensorDef struct {
	Param       string              // boiler parameter name
	Name        string              // display name (device product is prefixed later)
	Unit        string              // native unit, "" for unitless
	DeviceClass string              // HA device class, "" for none
	StateClass  string              // HA state class, "" for none
	Icon        string              // mdi icon
	Binary      bool                // present as ON/OFF instead of the raw value
	Map         func(string) string // optional raw -> text mapping
	Attrs       map[string]string   // linked parameter -> attribute label
}

// PowerSwitchTypes are the device families that expose main power control.
var PowerSwitchTypes = map[string]bool{
	"peltec2": true,
	"cmpelet": true,
	"biopl":   true,
}

// BinarySensors are bit-like parameters reported as ON/OFF: pumps, the
// electric heater, fan activity and the run command. Created first so the
// generic factories do not double-expose them.
var BinarySensors = []SensorDef{
	{Param: "B_CMD", Name: "Command Active", Icon: "mdi:state-machine", Binary: true},
	{Param: "B_Ppwm", Name: "PWM Pump", Icon: "mdi:pump", Binary: true},
	{Param: "B_P1", Name: "Hot Water Flow", Icon: "mdi:pump", Binary: true},
	{Param: "B_gri", Name: "Electric Heater", Icon: "mdi:meter-electric", Binary: true},
	{Param: "B_fan01", Name: "Fan Active", Icon: "mdi:fan", Binary: true},
	{Param: "K1B_onOff", Name: "DHW Pump Demand", Icon: "mdi:pump", Binary: true},
	{Param: "K1B_P", Name: "DHW Pump State", Icon: "mdi:pump", Binary: true},
}

// CommonSensors apply across device families.
var CommonSensors = []SensorDef{
	{Param: "B_STATE", Name: "Boiler State", Icon: "mdi:state-machine"},
	{Param: "B_BRAND", Name: "Brand", Icon: "mdi:information"},
	{Param: "B_INST", Name: "Installation", Icon: "mdi:information"},
	{Param: "B_PRODNAME", Name: "Product Name", Icon: "mdi:information"},
	{Param: "B_VER", Name: "Firmware Version", Icon: "mdi:information"},
	{Param: "B_sng", Name: "Nominal Power", Icon: "mdi:information"},
}

// PelTecTemperatures are the live measured temperatures on PelTec boilers.
var PelTecTemperatures = []SensorDef{
	{Param: "B_Tk1", Name: "Boiler Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_Tak1_1", Name: "Buffer Tank Temperature Up", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_Tak2_1", Name: "Buffer Tank Temperature Down", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_Tdpl1", Name: "Flue Gas", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_Tpov1", Name: "Mixer Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_Ths1", Name: "Hydraulic Crossover Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_Tkm1", Name: "DHW Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:water-boiler"},
}

// PelTecCounters are runtime counters and statistics.
var PelTecCounters = []SensorDef{
	{Param: "CNT_0", Name: "Burner Work", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_1", Name: "Number of Burner Start", StateClass: "total_increasing", Icon: "mdi:counter"},
	{Param: "CNT_2", Name: "Feeder Screw Work", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_3", Name: "Flame Duration", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_4", Name: "Fan Working Time", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_5", Name: "Electric Heater Working Time", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_6", Name: "Vacuum Turbine Working Time", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_7", Name: "Vacuum Turbine Cycles Number", StateClass: "total_increasing", Icon: "mdi:counter"},
	{Param: "CNT_8", Name: "Time on D6", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_9", Name: "Time on D5", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_10", Name: "Time on D4", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_11", Name: "Time on D3", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_12", Name: "Time on D2", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_13", Name: "Time on D1", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_14", Name: "Time on D0", Unit: "min", StateClass: "total_increasing", Icon: "mdi:timer"},
	{Param: "CNT_15", Name: "Reserve Counter", Icon: "mdi:counter"},
}

// PelTecMisc are PelTec II Lambda status and diagnostic values. Parameters
// handled by dedicated factories (B_CMD, K1B pumps, B_KONF, the fire grid
// trio) are claimed before these run and get skipped through the used flag.
var PelTecMisc = []SensorDef{
	{Param: "B_Tva1", Name: "Outdoor Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	{Param: "B_cm2k", Name: "CM2K Status", Icon: "mdi:state-machine"},
	{Param: "B_addConf", Name: "Accessories", Icon: "mdi:note-plus"},
	{Param: "B_korNum", Name: "Working Phase", Icon: "mdi:counter"},
	{Param: "B_razP", Name: "Pellet Level", Unit: "%", StateClass: "measurement", Icon: "mdi:basket-fill"},
	{Param: "B_fireS", Name: "Firing State", Icon: "mdi:fire"},
	{Param: "B_Oxy1", Name: "Lambda Probe Reading", Unit: "%", StateClass: "measurement", Icon: "mdi:lambda"},
	{Param: "B_signal", Name: "WiFi Signal", Unit: "%", StateClass: "measurement", Icon: "mdi:wifi"},
	{Param: "B_FILE", Name: "Firmware File", Icon: "mdi:file-cog"},
}

// hydraulicConfigurations is the fixed PelTec II Lambda B_KONF index table.
var hydraulicConfigurations = []string{
	"1. DHW",
	"2. DHC",
	"3. DHW || DHC",
	"4. BUF",
	"5. DHW || BUF",
	"6. BUF -- IHC",
	"7. DHW || BUF -- IHC",
	"8. BUF -- DHW",
	"9. BUF -- IHC || DHW",
	"10. CRO",
	"11. CRO / BUF",
	"12. DHC || DHW(2)",
	"13. DHC 2X",
	"14. BUF--IHCX2",
	"15. CRO -- DHW",
}

// HydraulicConfigurationText maps a raw B_KONF index onto its description.
// Unknown or unparseable values pass through unchanged.
func HydraulicConfigurationText(raw string) string {
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 || idx >= len(hydraulicConfigurations) {
		return raw
	}
	return hydraulicConfigurations[idx]
}

// ConfigurationSensor presents the boiler's hydraulic configuration as text.
var ConfigurationSensor = SensorDef{
	Param: "B_KONF", Name: "Configuration", Icon: "mdi:state-machine", Map: HydraulicConfigurationText,
}

// CircuitSensors returns the sensor bundle for one heating-circuit parameter
// prefix (C1B..C4B for classic circuits, K1B..K4B for DHW/mixer circuits).
func CircuitSensors(prefix, name string) []SensorDef {
	return []SensorDef{
		{Param: prefix + "_CircType", Name: name + " Heating Type", Icon: "mdi:view-list"},
		{Param: prefix + "_dayNight", Name: name + " Day Night Mode", Icon: "mdi:view-list"},
		{Param: prefix + "_kor", Name: name + " Room Target Correction", Unit: "°C", DeviceClass: "temperature", Icon: "mdi:thermometer"},
		{Param: prefix + "_korType", Name: name + " Correction Type", Icon: "mdi:view-list"},
		{Param: prefix + "_onOff", Name: name + " Pump Demand", Icon: "mdi:pump"},
		{Param: prefix + "_P", Name: name + " Pump", Icon: "mdi:pump"},
		{Param: prefix + "_Tpol", Name: name + " Flow Target Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
		{Param: prefix + "_Tpol1", Name: name + " Flow Measured Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
		{Param: prefix + "_Tsob", Name: name + " Room Target Temperature", Unit: "°C", DeviceClass: "temperature", Icon: "mdi:thermometer"},
		{Param: prefix + "_Tsob1", Name: name + " Room Measured Temperature", Unit: "°C", DeviceClass: "temperature", StateClass: "measurement", Icon: "mdi:thermometer"},
	}
}

// CircuitPrefixes lists the (prefix, display name) pairs a device is probed
// for when building circuit sensor bundles.
func CircuitPrefixes() [][2]string {
	out := make([][2]string, 0, 8)
	for i := 1; i <= 4; i++ {
		out = append(out, [2]string{fmt.Sprintf("C%dB", i), fmt.Sprintf("Circuit %d", i)})
	}
	for i := 1; i <= 4; i++ {
		out = append(out, [2]string{fmt.Sprintf("K%dB", i), fmt.Sprintf("Circuit %dK", i)})
	}
	return out
}

// SetpointSensors returns sensors for the configurable temperature setpoints
// of a device's circuits: PVAL_{dbindex}_0 as the value, with the default and
// limits (PDEF/PMIN/PMAX) attached as attributes where the device has them.
func SetpointSensors(dev *webboiler.Device) []SensorDef {
	var defs []SensorDef
	for _, circuit := range dev.Circuits() {
		valueParam := fmt.Sprintf("PVAL_%d_0", circuit.DBIndex)
		if dev.Parameter(valueParam) == nil {
			continue
		}

		attrs := make(map[string]string)
		for param, label := range map[string]string{
			fmt.Sprintf("PDEF_%d_0", circuit.DBIndex): "Default",
			fmt.Sprintf("PMIN_%d_0", circuit.DBIndex): "Minimum",
			fmt.Sprintf("PMAX_%d_0", circuit.DBIndex): "Maximum",
		} {
			if dev.Parameter(param) != nil {
				attrs[param] = label
			}
		}

		defs = append(defs, SensorDef{
			Param:       valueParam,
			Name:        circuit.Title,
			Unit:        "°C",
			DeviceClass: "temperature",
			Icon:        "mdi:thermometer",
			Attrs:       attrs,
		})
	}
	return defs
}

// scheduleSlotCount is one full weekly schedule: 7 days of 3 on/off pairs.
const scheduleSlotCount = 42

// ScheduleTables returns the PVAL table keys for which the device carries a
// complete weekly schedule, i.e. all of PVAL_{key}_0 through PVAL_{key}_41.
// Partial families (such as a lone PVAL_{dbindex}_0 setpoint) do not qualify.
func ScheduleTables(dev *webboiler.Device) []string {
	slots := make(map[string]map[int]bool)
	for _, p := range dev.Parameters() {
		rest, found := strings.CutPrefix(p.Name, "PVAL_")
		if !found {
			continue
		}
		parts := strings.Split(rest, "_")
		if len(parts) != 2 {
			continue
		}
		slot, err := strconv.Atoi(parts[1])
		if err != nil || slot < 0 || slot >= scheduleSlotCount {
			continue
		}
		if slots[parts[0]] == nil {
			slots[parts[0]] = make(map[int]bool)
		}
		slots[parts[0]][slot] = true
	}

	var keys []string
	for key, seen := range slots {
		if len(seen) == scheduleSlotCount {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// DeviceHasPrefix reports whether any parameter starts with prefix.
func DeviceHasPrefix(dev *webboiler.Device, prefix string) bool {
	for _, p := range dev.Parameters() {
		if len(p.Name) >= len(prefix) && p.Name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
