package mqtt

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultTopicPrefix is the topic prefix used when none is configured.
// It matches the mqtt.topic_prefix default in config.yaml.
const DefaultTopicPrefix = "hubmirror"

// topicEscaper makes a hub device identifier safe to embed as a single
// topic level. Friendly names may contain "/" (the hub allows it), which
// would otherwise split the name across levels, and "+"/"#" are reserved
// by MQTT for topic filters.
var topicEscaper = strings.NewReplacer(
	"%", "%25",
	"/", "%2F",
	"+", "%2B",
	"#", "%23",
)

// EncodeDeviceID escapes a device identifier for use as one topic level.
//
// Example: "living_room/lamp" becomes "living_room%2Flamp"
func EncodeDeviceID(id string) string {
	return topicEscaper.Replace(id)
}

// DecodeDeviceID reverses EncodeDeviceID.
func DecodeDeviceID(segment string) (string, error) {
	id, err := url.PathUnescape(segment)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrTopicMismatch, segment)
	}
	return id, nil
}

// Topics builds the mirror's MQTT topic names. Using these helpers keeps
// topic naming consistent between the fanout bridge and any local
// subscriber documentation.
//
// The zero value uses DefaultTopicPrefix; set Prefix to match the
// mqtt.topic_prefix config value.
//
//	topics := mqtt.Topics{Prefix: cfg.TopicPrefix}
//	stateTopic := topics.DeviceState("living_room/lamp")
//	// Returns: "hubmirror/device/living_room%2Flamp/state"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// DeviceState returns the retained state topic for a device. The bridge
// republishes the full device document here on every replica change.
//
// Example: hubmirror/device/light-office/state
func (t Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/state", t.prefix(), EncodeDeviceID(deviceID))
}

// DeviceSet returns the topic on which writes for a device are accepted.
// Payloads are JSON property maps, the same shape the local REST API
// takes.
//
// Example: hubmirror/device/light-office/set
func (t Topics) DeviceSet(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/set", t.prefix(), EncodeDeviceID(deviceID))
}

// Status returns the mirror availability topic. The LWT is registered
// here, so subscribers can tell a crashed mirror from a stopped one.
//
// Example: hubmirror/status
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// AllDeviceStates returns a filter matching every device state topic.
//
// Pattern: hubmirror/device/+/state
func (t Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/device/+/state", t.prefix())
}

// AllDeviceSets returns a filter matching every device write topic.
//
// Pattern: hubmirror/device/+/set
func (t Topics) AllDeviceSets() string {
	return fmt.Sprintf("%s/device/+/set", t.prefix())
}

// ParseDeviceSet extracts the device identifier from a topic delivered
// on the AllDeviceSets filter.
func (t Topics) ParseDeviceSet(topic string) (string, error) {
	head := t.prefix() + "/device/"
	const tail = "/set"
	if len(topic) <= len(head)+len(tail) ||
		!strings.HasPrefix(topic, head) || !strings.HasSuffix(topic, tail) {
		return "", fmt.Errorf("%w: %q", ErrTopicMismatch, topic)
	}
	segment := topic[len(head) : len(topic)-len(tail)]
	if strings.Contains(segment, "/") {
		return "", fmt.Errorf("%w: %q", ErrTopicMismatch, topic)
	}
	return DecodeDeviceID(segment)
}
