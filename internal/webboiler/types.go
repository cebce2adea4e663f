package webboiler

import (
	"errors"
	"sync"
	"time"
)

// Failure classes reported by client operations. Callers match them with
// errors.Is; the lifecycle manager treats all three the same way.
var (
	// ErrAuthentication marks rejected credentials or an expired session token.
	ErrAuthentication = errors.New("authentication rejected")

	// ErrConnectivity marks transport failures talking to the cloud service.
	ErrConnectivity = errors.New("cloud service unreachable")

	// ErrConfiguration marks a missing, empty or malformed account configuration.
	ErrConfiguration = errors.New("invalid account configuration")
)

// UpdateHandler is invoked for every parameter value pushed over the websocket.
type UpdateHandler func(device *Device, param *Parameter)

// Parameter is a single named boiler measurement or command slot. Values
// arrive as strings from the cloud and are kept that way; interpretation
// happens at the entity layer.
type Parameter struct {
	Name string

	mu        sync.RWMutex
	value     string
	updatedAt time.Time
	used      bool
}

// NewParameter creates a parameter with no value yet.
func NewParameter(name string) *Parameter {
	return &Parameter{Name: name}
}

// Value returns the current raw value.
func (p *Parameter) Value() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// UpdatedAt returns when the value was last set. Zero if never set.
func (p *Parameter) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updatedAt
}

// Set records a new value at the given time.
func (p *Parameter) Set(value string, at time.Time) {
	p.mu.Lock()
	p.value = value
	p.updatedAt = at
	p.mu.Unlock()
}

// Used reports whether an entity has already claimed this slot.
func (p *Parameter) Used() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.used
}

// MarkUsed claims the slot so no second entity is built for it.
func (p *Parameter) MarkUsed() {
	p.mu.Lock()
	p.used = true
	p.mu.Unlock()
}

// Circuit is a heating circuit attached to a device. DBIndex selects the
// PVAL/PDEF/PMIN/PMAX_{index}_0 parameter family that carries its setpoints.
type Circuit struct {
	Title   string
	DBIndex int
}

// Device is one boiler installation on the account.
type Device struct {
	Serial  string
	Product string
	Type    string // "peltec2", "cmpelet" or "biopl"

	mu       sync.RWMutex
	params   map[string]*Parameter
	circuits []Circuit
}

// NewDevice creates an empty device.
func NewDevice(serial, product, typ string) *Device {
	return &Device{
		Serial:  serial,
		Product: product,
		Type:    typ,
		params:  make(map[string]*Parameter),
	}
}

// Parameter returns the named parameter, or nil if the device has never
// reported it.
func (d *Device) Parameter(name string) *Parameter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.params[name]
}

// EnsureParameter returns the named parameter, creating an empty one on
// first reference. Websocket frames may mention parameters the initial
// configuration did not list.
func (d *Device) EnsureParameter(name string) *Parameter {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.params[name]
	if !ok {
		p = NewParameter(name)
		d.params[name] = p
	}
	return p
}

// Parameters returns a snapshot of all known parameters.
func (d *Device) Parameters() []*Parameter {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Parameter, 0, len(d.params))
	for _, p := range d.params {
		out = append(out, p)
	}
	return out
}

// Circuits returns the device's heating circuits.
func (d *Device) Circuits() []Circuit {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Circuit, len(d.circuits))
	copy(out, d.circuits)
	return out
}

// SetCircuits replaces the device's heating circuits. Called by the
// configuration fetch and by tests seeding devices.
func (d *Device) SetCircuits(circuits []Circuit) {
	d.mu.Lock()
	d.circuits = circuits
	d.mu.Unlock()
}

// NewestUpdate returns the most recent update timestamp across all
// parameters. Zero if no parameter has ever been set.
func (d *Device) NewestUpdate() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var newest time.Time
	for _, p := range d.params {
		if at := p.UpdatedAt(); at.After(newest) {
			newest = at
		}
	}
	return newest
}

// Wire formats for the cloud REST and websocket surfaces.

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type deviceConfig struct {
	Serial     string                `json:"serial"`
	Product    string                `json:"product"`
	Type       string                `json:"type"`
	Parameters map[string]paramValue `json:"parameters"`
	Circuits   []circuitConfig       `json:"circuits"`
}

type paramValue struct {
	Value string `json:"value"`
}

type circuitConfig struct {
	Title   string `json:"title"`
	DBIndex int    `json:"dbindex"`
}

type commandRequest struct {
	On bool `json:"on"`
}

// paramFrame is a single push message on the websocket.
type paramFrame struct {
	Type   string `json:"type"`
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}
