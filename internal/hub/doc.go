// Package hub implements the client side of the hub protocol: the websocket
// push channel, the frame codec, and the REST endpoints for snapshots and
// state writes.
//
// The hub offers two complementary transports. The push channel is fast but
// unreliable: frames lost while disconnected are gone. The REST snapshot is
// reliable but heavy: a full inventory per call. This package provides both
// and stays deliberately policy-free; deciding when to poll or write lives
// in the mirror package.
//
// # Architecture
//
//	                          hub
//	               ┌──────────┴──────────┐
//	          /ws  │                     │  /api/zigbee2mqtt/*
//	               ▼                     ▼
//	   ┌────────────────────┐   ┌──────────────────┐
//	   │       Stream       │   │      Client      │
//	   │    (stream.go)     │   │   (client.go)    │
//	   │                    │   │                  │
//	   │ • dial + reconnect │   │ • FetchSnapshot  │
//	   │ • frame decode     │   │ • SetDeviceState │
//	   │ • ping/pong        │   │ • RequestRefresh │
//	   │ • state machine    │   │ • Health         │
//	   └─────────┬──────────┘   └──────────────────┘
//	             │ ApplyPatch
//	             ▼
//	        PatchSink (the device store)
//
// # Connection Lifecycle
//
// A Stream moves through disconnected, connecting, connected, reconnecting
// and failed. Reconnection backs off exponentially from the initial delay up
// to the cap; after the configured number of consecutive failures the stream
// drops to a long fixed retry interval until a connection succeeds or the
// host calls Restart. A connection only counts as established once a frame
// has decoded cleanly.
//
// # Wire Format
//
// Frames are JSON objects tagged by a "type" field:
//
//	{"type":"device_update","device_name":"living_room/lamp",
//	 "state":{"brightness":254,"transition":null},
//	 "timestamp":"2026-01-12T09:30:00Z"}
//	{"type":"ping"}
//	{"type":"pong","timestamp":1767345000123}
//
// A null property value in a device_update means the property was removed.
// Unknown frame types are dropped without closing the connection.
//
// # Thread Safety
//
// Stream and Client are safe for concurrent use from multiple goroutines.
package hub
