package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
)

// StateWriter delivers property changes to the hub. *hub.Client satisfies
// it.
type StateWriter interface {
	SetDeviceState(ctx context.Context, id string, props map[string]any) error
}

// PatchApplier is the replica the writer echoes optimistic changes into.
// *device.Store satisfies it.
type PatchApplier interface {
	ApplyPatch(id string, diff map[string]any) bool
	Get(id string) (*device.Device, bool)
}

// Resyncer requests a full snapshot fetch. *Poller satisfies it. The writer
// and poller reference each other, so this side binds late via SetResyncer.
type Resyncer interface {
	Resync()
}

// WriterDeps carries the collaborators for NewWriter.
type WriterDeps struct {
	Hub    StateWriter
	Store  PatchApplier
	Config config.WriteConfig

	// Logger is optional.
	Logger Logger
}

// WriterStats is a point-in-time snapshot of write coordinator activity.
type WriterStats struct {
	Writes         uint64     `json:"writes"`
	Failures       uint64     `json:"failures"`
	Coalesced      uint64     `json:"coalesced"`
	PendingDevices []string   `json:"pending_devices,omitempty"`
	LastWriteAt    *time.Time `json:"last_write_at,omitempty"`
}

// deviceQueue is the per-device outbound buffer. pending accumulates
// coalesced properties, timer is the armed debounce, inflight marks a
// request currently running against the hub, and flushQueued records a
// flush that arrived while one was.
type deviceQueue struct {
	pending     map[string]any
	timer       *time.Timer
	inflight    bool
	flushQueued bool
}

// Writer coordinates optimistic state writes: it echoes the change into the
// local replica immediately, then delivers it to the hub with per-device
// coalescing and, for continuous properties, debouncing. While anything is
// pending the poll loop holds off, so a snapshot cannot undo a change the
// hub has not confirmed yet.
//
// A failed delivery schedules a full resync once all pending work drains;
// until the snapshot lands, local state for that device is suspect.
type Writer struct {
	hub    StateWriter
	store  PatchApplier
	logger Logger

	debounce     time.Duration
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	queues       map[string]*deviceQueue
	resyncer     Resyncer
	resyncWanted bool
	closed       bool
	writes       uint64
	failures     uint64
	coalesced    uint64
	lastWrite    time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewWriter validates deps and returns a Writer.
func NewWriter(deps WriterDeps) (*Writer, error) {
	if deps.Hub == nil {
		return nil, fmt.Errorf("hub state writer is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		hub:          deps.Hub,
		store:        deps.Store,
		logger:       deps.Logger,
		debounce:     deps.Config.GetDebounce(),
		writeTimeout: deps.Config.GetTimeout(),
		ctx:          ctx,
		cancel:       cancel,
		queues:       make(map[string]*deviceQueue),
	}, nil
}

// SetResyncer binds the poller after both sides exist. Call before Write.
func (w *Writer) SetResyncer(r Resyncer) {
	w.mu.Lock()
	w.resyncer = r
	w.mu.Unlock()
}

// Write applies props to the local replica immediately and queues them for
// delivery to the hub. Writes to the same device coalesce, last value per
// property; writes to different devices never share a request.
//
// Discrete properties (switches, modes) flush to the hub at once. Numeric
// properties arrive in bursts from sliders, so a write carrying any numeric
// value waits out a short debounce that each further write re-arms.
//
// Unknown devices are rejected with device.ErrUnknownDevice; an empty props
// map is a no-op.
func (w *Writer) Write(id string, props map[string]any) error {
	if len(props) == 0 {
		return nil
	}
	if _, ok := w.store.Get(id); !ok {
		return fmt.Errorf("%w: %q", device.ErrUnknownDevice, id)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}

	q := w.queues[id]
	if q == nil {
		q = &deviceQueue{}
		w.queues[id] = q
	}
	if q.pending == nil {
		q.pending = make(map[string]any, len(props))
	}
	for k, v := range props {
		if _, merged := q.pending[k]; merged {
			w.coalesced++
		}
		q.pending[k] = v
	}

	immediate := !hasContinuous(props)
	if !immediate {
		if q.timer == nil {
			q.timer = time.AfterFunc(w.debounce, func() { w.flush(id) })
		} else {
			q.timer.Reset(w.debounce)
		}
	}
	w.mu.Unlock()

	// The queue is registered before the optimistic patch lands, so a poll
	// tick racing this write already sees pending work and holds off.
	w.store.ApplyPatch(id, props)

	if immediate {
		w.flush(id)
	}
	return nil
}

// RequestPropertyChange queues a single-property write. It is the form
// slider and toggle callers use; semantics match Write with a one-entry map.
func (w *Writer) RequestPropertyChange(id, property string, value any) error {
	return w.Write(id, map[string]any{property: value})
}

// HasPending reports whether any device has unsent or in-flight writes.
func (w *Writer) HasPending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, q := range w.queues {
		if len(q.pending) > 0 || q.inflight {
			return true
		}
	}
	return false
}

// Pending returns the ids of devices with unsent or in-flight writes,
// sorted.
func (w *Writer) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var ids []string
	for id, q := range w.queues {
		if len(q.pending) > 0 || q.inflight {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a snapshot of write activity.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WriterStats{
		Writes:    w.writes,
		Failures:  w.failures,
		Coalesced: w.coalesced,
	}
	for id, q := range w.queues {
		if len(q.pending) > 0 || q.inflight {
			stats.PendingDevices = append(stats.PendingDevices, id)
		}
	}
	sort.Strings(stats.PendingDevices)
	if !w.lastWrite.IsZero() {
		t := w.lastWrite
		stats.LastWriteAt = &t
	}
	return stats
}

// Close flushes debounced writes, waits for in-flight requests and then
// refuses further work. Idempotent.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for id, q := range w.queues {
			if q.timer != nil {
				q.timer.Stop()
				q.timer = nil
			}
			if len(q.pending) > 0 && !q.inflight {
				props := q.pending
				q.pending = nil
				q.inflight = true
				w.wg.Add(1)
				go w.send(id, props)
			}
		}
		w.mu.Unlock()

		w.wg.Wait()
		w.cancel()
		w.logger.Info("write coordinator closed")
	})
	return nil
}

// flush hands the device's coalesced map to a delivery goroutine. If a
// request is already running for the device, the flush queues behind it and
// reruns when it completes.
func (w *Writer) flush(id string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	q := w.queues[id]
	if q == nil {
		w.mu.Unlock()
		return
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	if len(q.pending) == 0 {
		if !q.inflight {
			delete(w.queues, id)
		}
		w.mu.Unlock()
		return
	}
	if q.inflight {
		q.flushQueued = true
		w.mu.Unlock()
		return
	}

	props := q.pending
	q.pending = nil
	q.inflight = true
	w.wg.Add(1)
	w.mu.Unlock()

	go w.send(id, props)
}

// send runs one delivery against the hub and settles the queue afterwards.
// On failure everything queued behind the request is dropped and a resync
// is requested; the snapshot re-establishes hub truth for every device, so
// retrying individual writes would only fight it.
func (w *Writer) send(id string, props map[string]any) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(w.ctx, w.writeTimeout)
	err := w.hub.SetDeviceState(ctx, id, props)
	cancel()

	w.mu.Lock()
	q := w.queues[id]
	var rerun bool
	if q != nil {
		q.inflight = false
		if err != nil {
			q.pending = nil
			q.flushQueued = false
			if q.timer != nil {
				q.timer.Stop()
				q.timer = nil
			}
		}
		switch {
		case q.flushQueued && len(q.pending) > 0:
			q.flushQueued = false
			rerun = true
		case len(q.pending) == 0 && q.timer == nil:
			delete(w.queues, id)
		}
	}
	if err != nil {
		w.failures++
		w.resyncWanted = true
	} else {
		w.writes++
		w.lastWrite = time.Now()
	}

	// Resync only once the last pending delivery settles, so the snapshot
	// it triggers cannot clobber optimistic state still awaiting the hub.
	var fireResync bool
	if w.resyncWanted && !w.anyPendingLocked() {
		w.resyncWanted = false
		fireResync = w.resyncer != nil && !w.closed
	}
	resyncer := w.resyncer
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn("hub write failed", "device", id, "error", err)
	} else {
		w.logger.Debug("hub write delivered", "device", id, "properties", len(props))
	}
	if fireResync {
		w.logger.Info("write failure drained, requesting resync")
		resyncer.Resync()
	}
	if rerun {
		w.flush(id)
	}
}

func (w *Writer) anyPendingLocked() bool {
	for _, q := range w.queues {
		if len(q.pending) > 0 || q.inflight {
			return true
		}
	}
	return false
}

// hasContinuous reports whether any property carries a numeric value.
// Numeric properties come from sliders and dials and arrive in bursts.
func hasContinuous(props map[string]any) bool {
	for _, v := range props {
		switch v.(type) {
		case float64, float32, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, json.Number:
			return true
		}
	}
	return false
}
