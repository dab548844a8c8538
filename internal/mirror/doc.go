// Package mirror contains the sync policy that keeps the local replica
// aligned with the hub: when to poll, when to hold off, and how optimistic
// writes travel.
//
// The hub package supplies mechanism (sockets, frames, REST calls) and the
// device package supplies storage; this package decides.
//
// # Architecture
//
//	     Resync after failed write
//	   ┌──────────┐───────────▶┌──────────┐
//	   │  Writer  │            │  Poller  │
//	   └┬────┬────┘◀───────────└────┬─────┘
//	    │    │      HasPending      │
//	    │    │ SetDeviceState       │ FetchSnapshot
//	    │    ▼                      ▼
//	    │   ┌────────────────────────────┐
//	    │   │        hub REST API        │
//	    │   └────────────────────────────┘
//	    │ ApplyPatch                │ ApplyFullSnapshot
//	    ▼                           ▼
//	   ┌────────────────────────────────┐
//	   │          device.Store          │
//	   └────────────────────────────────┘
//
// The Poller fetches full inventories on an adaptive cadence: slow while
// the push channel delivers, fast while it does not. The Writer echoes
// changes into the replica immediately, coalesces and debounces outbound
// traffic per device, and exposes pendingness so the poller never clobbers
// a change the hub has not confirmed.
//
// The two reference each other: the poller consults Writer.HasPending
// before fetching, and the writer requests Poller.Resync after a failed
// delivery drains. The writer side binds late through SetResyncer.
package mirror
