package hub

import "errors"

// Sentinel errors for hub transport failures. Wrap with %w and test with
// errors.Is; the dynamic part of each failure rides in the wrapping message.
var (
	// ErrStreamClosed is returned by operations on a Stream after Close.
	ErrStreamClosed = errors.New("hub: stream closed")

	// ErrMalformedFrame marks an inbound push frame that failed to decode.
	// The frame is dropped; the connection stays up.
	ErrMalformedFrame = errors.New("hub: malformed frame")

	// ErrUnknownMessageType marks a structurally valid frame whose type tag
	// this build does not recognise. Dropped without closing the connection
	// so newer hub firmware can ship new frame types safely.
	ErrUnknownMessageType = errors.New("hub: unknown message type")

	// ErrSnapshot wraps any failure to fetch the full device inventory.
	ErrSnapshot = errors.New("hub: snapshot fetch failed")

	// ErrWrite wraps any failure to deliver a state change to the hub.
	ErrWrite = errors.New("hub: state write failed")
)
