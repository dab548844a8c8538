package device

import (
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ChangeKind identifies what mutated the replica.
type ChangeKind string

// Change kinds.
const (
	// ChangeSnapshot is a full inventory replacement from a poll fetch.
	ChangeSnapshot ChangeKind = "snapshot"

	// ChangePatch is a partial state update for a single device.
	ChangePatch ChangeKind = "patch"
)

// Change describes a single replica mutation, delivered to subscribers in
// mutation order.
type Change struct {
	Kind ChangeKind

	// Patch changes
	DeviceID string         // device the patch applied to
	Diff     map[string]any // applied diff, nil values mark deleted keys
	Device   *Device        // post-merge copy of the device

	// Snapshot changes
	Removed []string // ids pruned by the snapshot
	Count   int      // replica size after the snapshot
}

// changeQueueSize bounds the change dispatch queue. Mutations never block
// on slow subscribers; overflow drops the event with a warning and the
// next snapshot heals any observer that fell behind.
const changeQueueSize = 256

// Store is the in-memory replica of the hub's device inventory.
//
// It is the single structure shared between the push channel, the poll
// fetcher, the write coordinator and the local API. All mutations are
// serialized; records are replaced wholesale and handed out as deep
// copies, so readers never observe a half-applied update.
//
// Subscribers registered with OnChange receive every effective mutation
// in the order it was applied: a snapshot, then any patches that arrived
// after it. Callbacks run on a single dispatch goroutine and should hand
// work off quickly.
//
// All public methods are thread-safe.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*Device

	lastSnapshot   time.Time
	droppedPatches uint64
	droppedEvents  uint64

	subMu sync.RWMutex
	subs  []func(Change)

	events    chan Change
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	logger Logger
}

// NewStore creates an empty replica store and starts its change
// dispatcher. Call Close to stop dispatching.
func NewStore() *Store {
	s := &Store{
		devices: make(map[string]*Device),
		events:  make(chan Change, changeQueueSize),
		done:    make(chan struct{}),
		logger:  noopLogger{},
	}

	s.wg.Add(1)
	go s.dispatch()

	return s
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// OnChange registers a subscriber for replica mutations.
// Subscribers should be registered during wiring, before traffic starts.
func (s *Store) OnChange(fn func(Change)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

// ApplyFullSnapshot replaces the entire replica with the given inventory.
//
// The snapshot is authoritative: devices absent from it are pruned, zone
// membership and metadata are taken as-is. Records with an empty
// friendly_name are skipped (a malformed hub payload must not poison the
// replica). Input devices are deep-copied; the caller keeps ownership of
// the slice.
func (s *Store) ApplyFullSnapshot(devices []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		if d.FriendlyName == "" {
			s.logger.Warn("snapshot device without friendly_name skipped")
			continue
		}
		next[d.FriendlyName] = d.DeepCopy()
	}

	var removed []string
	for id := range s.devices {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)

	s.devices = next
	s.lastSnapshot = time.Now().UTC()

	s.logger.Debug("snapshot applied", "devices", len(next), "removed", len(removed))

	s.enqueueLocked(Change{
		Kind:    ChangeSnapshot,
		Removed: removed,
		Count:   len(next),
	})
}

// ApplyPatch merges a partial state diff into one device.
//
// A nil value deletes the key; any other value replaces it. Properties
// not named in the diff are untouched. Patches for devices the replica
// does not know are dropped (counted, logged at debug) - the next
// snapshot introduces new devices with full structure.
//
// Returns true if the patch was applied.
func (s *Store) ApplyPatch(id string, diff map[string]any) bool {
	if len(diff) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cached, ok := s.devices[id]
	if !ok {
		s.droppedPatches++
		s.logger.Debug("patch for unknown device dropped", "id", id)
		return false
	}

	// Atomic replacement: merge into a copy, then swap the record.
	updated := cached.DeepCopy()
	if updated.State == nil {
		updated.State = make(State, len(diff))
	}
	for k, v := range diff {
		if v == nil {
			delete(updated.State, k)
			continue
		}
		updated.State[k] = deepCopyValue(v)
	}
	s.devices[id] = updated

	s.logger.Debug("patch applied", "id", id, "keys", len(diff))

	s.enqueueLocked(Change{
		Kind:     ChangePatch,
		DeviceID: id,
		Diff:     deepCopyMap(diff),
		Device:   updated.DeepCopy(),
	})

	return true
}

// Get retrieves a device by id.
// The returned device is a deep copy; callers can safely modify it.
func (s *Store) Get(id string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, false
	}
	return d.DeepCopy(), true
}

// List retrieves all devices sorted by friendly name.
// The returned devices are deep copies; callers can safely modify them.
func (s *Store) List() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, *d.DeepCopy())
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].FriendlyName < devices[j].FriendlyName
	})
	return devices
}

// ListByZone retrieves all devices belonging to the named zone, sorted by
// friendly name. The returned devices are deep copies.
func (s *Store) ListByZone(zone string) []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var devices []Device
	for _, d := range s.devices {
		if d.InZone(zone) {
			devices = append(devices, *d.DeepCopy())
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].FriendlyName < devices[j].FriendlyName
	})
	return devices
}

// Zones returns the sorted set of zone names across the replica.
func (s *Store) Zones() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, d := range s.devices {
		for _, z := range d.Zones {
			seen[z] = struct{}{}
		}
	}

	zones := make([]string, 0, len(seen))
	for z := range seen {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

// Len returns the number of devices in the replica.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// LastSnapshotAt returns when the replica last absorbed a full snapshot.
// The zero time means no snapshot has been applied yet.
func (s *Store) LastSnapshotAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSnapshot
}

// DroppedPatches returns how many patches were dropped for unknown ids.
func (s *Store) DroppedPatches() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.droppedPatches
}

// Stats summarises the replica for monitoring.
type Stats struct {
	TotalDevices int
	Online       int
	ByZone       map[string]int
}

// GetStats returns current replica statistics.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalDevices: len(s.devices),
		ByZone:       make(map[string]int),
	}

	for _, d := range s.devices {
		if d.Online() {
			stats.Online++
		}
		for _, z := range d.Zones {
			stats.ByZone[z]++
		}
	}

	return stats
}

// Close stops the change dispatcher. It is idempotent and safe to call
// from any goroutine; once it returns no subscriber callback will fire.
// Mutations after Close still update the replica but notify nobody.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// enqueueLocked queues a change for dispatch. Must be called with mu held
// so queue order matches mutation order.
func (s *Store) enqueueLocked(ev Change) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.events <- ev:
	default:
		s.droppedEvents++
		s.logger.Warn("change queue full, event dropped", "kind", ev.Kind)
	}
}

// dispatch delivers queued changes to subscribers, one at a time, in
// queue order. Runs until Close.
func (s *Store) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.subMu.RLock()
			subs := s.subs
			s.subMu.RUnlock()

			for _, fn := range subs {
				fn(ev)
			}
		}
	}
}
