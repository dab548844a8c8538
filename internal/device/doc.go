// Package device provides the replica Device Store for Hub Mirror.
//
// The Device Store is the in-memory replica of the hub's device catalogue.
// It is the single source of truth inside the mirror: the push stream and
// the poll fetcher write into it, and the local API, the MQTT bridge, and
// the replica cache all read from it.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────────────┐
//	│                           Device Store                             │
//	│                                                                    │
//	│  ┌──────────────────┐   ┌──────────────────┐   ┌────────────────┐  │
//	│  │      Store       │   │      Cache       │   │  CacheWriter   │  │
//	│  │    (store.go)    │──▶│    (cache.go)    │◀──│   (cache.go)   │  │
//	│  │                  │   │                  │   │                │  │
//	│  │ • Snapshots      │   │ • SQLite rows    │   │ • Write-behind │  │
//	│  │ • Patches        │   │ • JSON documents │   │ • Coalescing   │  │
//	│  │ • Change events  │   │ • Warm start     │   │ • Final flush  │  │
//	│  └──────────────────┘   └──────────────────┘   └────────────────┘  │
//	│           │                                                        │
//	└───────────│────────────────────────────────────────────────────────┘
//	            │ ordered change notifications
//	            ▼
//	┌──────────────────────┐
//	│ Local API, MQTT      │
//	│ bridge, cache writer │
//	└──────────────────────┘
//
// # Key Types
//
//   - Device: a full device document as the hub serves it
//   - State: the mutable property map inside a device document
//   - Store: the mutexed replica with ordered change dispatch
//   - Change: a snapshot or patch event delivered to subscribers
//   - Cache / SQLiteCache: persisted replica for warm starts
//   - CacheWriter: write-behind persistence with burst coalescing
//
// # Usage
//
//	store := device.NewStore()
//	store.SetLogger(log)
//	defer store.Close()
//
//	store.OnChange(func(ch device.Change) {
//	    // Events arrive in apply order, one at a time.
//	})
//
//	// Authoritative replacement from a hub fetch
//	store.ApplyFullSnapshot(devices)
//
//	// Incremental update from a push frame
//	store.ApplyPatch("light.hall", device.State{"brightness": 120})
//
// # Consistency Rules
//
// Snapshots are authoritative: devices absent from a snapshot are pruned.
// Patches merge key by key into the existing record, and a JSON null
// deletes the key. Patches for unknown devices are dropped and counted;
// the next snapshot introduces new devices. Every Device handed out by
// the store is a deep copy, so callers can never mutate the replica or
// each other.
//
// # Thread Safety
//
// The Store is safe for concurrent use. Mutations are serialized by a
// mutex, and change notifications are delivered in apply order from a
// single dispatch goroutine. After Close no further notifications fire.
package device
