package hass

// DeviceInfo is the Home Assistant device registry block shared by every
// discovery payload of one boiler, so all its entities group under a single
// device page. Identifiers combine the bridge instance ID with the boiler
// serial and stay stable across restarts and renames.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// EntityConfig is the JSON payload of one MQTT discovery config message.
// Published retained on every broker (re-)connect.
type EntityConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	CommandTopic        string     `json:"command_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	PayloadOn           string     `json:"payload_on,omitempty"`
	PayloadOff          string     `json:"payload_off,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
}
