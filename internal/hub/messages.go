package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type tags. Every frame on the push channel is a JSON object with a
// "type" field; the rest of the object depends on the type.
const (
	TypeDeviceUpdate = "device_update"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Message is a decoded push channel frame. Concrete types are DeviceUpdate,
// Ping and Pong.
type Message interface {
	frameType() string
}

// DeviceUpdate carries a partial state diff for a single device. State holds
// only the properties that changed since the hub's previous broadcast; a nil
// value means the property was removed from the device's state. Timestamp is
// RFC 3339 and informational only.
type DeviceUpdate struct {
	DeviceName string         `json:"device_name"`
	State      map[string]any `json:"state"`
	Timestamp  string         `json:"timestamp,omitempty"`
}

// Ping is the hub's application-level liveness probe. Receivers answer with
// a Pong on the same connection.
type Ping struct{}

// Pong answers a Ping. Timestamp is milliseconds since the Unix epoch.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (DeviceUpdate) frameType() string { return TypeDeviceUpdate }
func (Ping) frameType() string         { return TypePing }
func (Pong) frameType() string         { return TypePong }

// envelope pulls out the routing tag without committing to a payload shape.
type envelope struct {
	Type string `json:"type"`
}

// DecodeFrame parses a single inbound frame. Malformed JSON, a missing type
// tag or a payload that does not match its tag return ErrMalformedFrame; a
// well-formed frame with an unrecognised tag returns ErrUnknownMessageType.
// Both are drop-and-continue conditions for the caller.
func DecodeFrame(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeDeviceUpdate:
		var upd DeviceUpdate
		if err := json.Unmarshal(data, &upd); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		if upd.DeviceName == "" {
			return nil, fmt.Errorf("%w: device_update without device_name", ErrMalformedFrame)
		}
		return upd, nil

	case TypePing:
		return Ping{}, nil

	case TypePong:
		var pong Pong
		if err := json.Unmarshal(data, &pong); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		return pong, nil

	case "":
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

// EncodeDeviceUpdate serialises a device_update frame in the hub's wire
// shape. Used when re-broadcasting state changes to downstream websocket
// subscribers, which speak the same protocol as the hub itself.
func EncodeDeviceUpdate(upd DeviceUpdate) ([]byte, error) {
	frame := struct {
		Type string `json:"type"`
		DeviceUpdate
	}{Type: TypeDeviceUpdate, DeviceUpdate: upd}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("hub: encoding device_update: %w", err)
	}
	return data, nil
}

// EncodePong serialises the answer to a ping, stamped with the given time.
func EncodePong(now time.Time) ([]byte, error) {
	frame := struct {
		Type string `json:"type"`
		Pong
	}{Type: TypePong, Pong: Pong{Timestamp: now.UnixMilli()}}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("hub: encoding pong: %w", err)
	}
	return data, nil
}
