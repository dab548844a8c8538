package mqttbridge

import "errors"

var (
	// ErrBridgeClosed is returned by Start after the bridge shut down.
	ErrBridgeClosed = errors.New("mqttbridge: bridge closed")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("mqttbridge: bridge already started")
)
