package device

// Device is the mirror's view of a single hub device.
//
// The field layout matches the JSON document the hub serves from its
// inventory endpoint, so a snapshot fetch unmarshals straight into it.
// FriendlyName is the stable identity: patches, writes and store lookups
// all key on it.
//
// Records held by the Store are treated as immutable; every mutation
// replaces the record wholesale and every read hands out a DeepCopy.
type Device struct {
	// Identity
	FriendlyName string `json:"friendly_name"`
	IEEEAddress  string `json:"ieee_address,omitempty"`

	// State is the heterogeneous property bag: booleans, numbers,
	// strings and nested structures, depending on the device.
	State State `json:"state"`

	// Zones are the logical groupings the hub has assigned this device to.
	Zones []string `json:"zones"`

	// LastSeen is the hub-reported timestamp of the last radio contact.
	// Kept as the wire string; the hub controls the format.
	LastSeen string `json:"last_seen,omitempty"`

	// User-assigned presentation overrides
	CustomName     string `json:"custom_name,omitempty"`
	CustomCategory string `json:"custom_category,omitempty"`

	// Definition carries vendor metadata for supported devices.
	Definition Definition `json:"definition"`

	// Status flags
	Supported          bool `json:"supported"`
	Disabled           bool `json:"disabled"`
	Interviewing       bool `json:"interviewing"`
	InterviewCompleted bool `json:"interview_completed"`

	// Radio/network metadata
	Type           string `json:"type,omitempty"`
	NetworkAddress int    `json:"network_address,omitempty"`
	PowerSource    string `json:"power_source,omitempty"`
	Manufacturer   string `json:"manufacturer,omitempty"`
	ModelID        string `json:"model_id,omitempty"`
	DateCode       string `json:"date_code,omitempty"`
}

// Definition carries the hub's vendor metadata block.
type Definition struct {
	Description string `json:"description,omitempty"`
	Model       string `json:"model,omitempty"`
	Vendor      string `json:"vendor,omitempty"`
	SupportsOTA bool   `json:"supports_ota,omitempty"`
}

// State holds the current device state as a JSON map.
//
// Examples:
//   - Light: {"state": "ON", "brightness": 180}
//   - Climate sensor: {"temperature": 21.5, "humidity": 40}
//   - Blind: {"position": 50}
type State map[string]any

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original. This is essential for replica isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields; Definition is all values

	cpy.State = deepCopyMap(d.State)

	if d.Zones != nil {
		cpy.Zones = make([]string, len(d.Zones))
		copy(cpy.Zones, d.Zones)
	}

	return &cpy
}

// DisplayName returns the user-facing name: the custom name when one is
// assigned, the friendly name otherwise.
func (d *Device) DisplayName() string {
	if d.CustomName != "" {
		return d.CustomName
	}
	return d.FriendlyName
}

// Online reports whether the hub considers the device usable.
// Disabled devices are never online; otherwise presence in the inventory
// counts, since the hub prunes devices that leave the network.
func (d *Device) Online() bool {
	return !d.Disabled
}

// InZone reports whether the device belongs to the named zone.
func (d *Device) InZone(zone string) bool {
	for _, z := range d.Zones {
		if z == zone {
			return true
		}
	}
	return false
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}
