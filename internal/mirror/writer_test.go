package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
)

type hubWrite struct {
	id    string
	props map[string]any
}

// fakeStateWriter records delivery attempts and can delay or fail them per
// device.
type fakeStateWriter struct {
	mu      sync.Mutex
	writes  []hubWrite
	failIDs map[string]error
	delays  map[string]time.Duration
	writeCh chan hubWrite
}

func newFakeStateWriter() *fakeStateWriter {
	return &fakeStateWriter{
		failIDs: make(map[string]error),
		delays:  make(map[string]time.Duration),
		writeCh: make(chan hubWrite, 16),
	}
}

func (f *fakeStateWriter) SetDeviceState(ctx context.Context, id string, props map[string]any) error {
	f.mu.Lock()
	delay := f.delays[id]
	failErr := f.failIDs[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	copied := make(map[string]any, len(props))
	for k, v := range props {
		copied[k] = v
	}
	w := hubWrite{id: id, props: copied}

	f.mu.Lock()
	f.writes = append(f.writes, w)
	f.mu.Unlock()

	select {
	case f.writeCh <- w:
	default:
	}
	return failErr
}

func (f *fakeStateWriter) waitWrite(t *testing.T) hubWrite {
	t.Helper()
	select {
	case w := <-f.writeCh:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no write reached the hub")
		return hubWrite{}
	}
}

func (f *fakeStateWriter) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeStateWriter) writeAt(i int) hubWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[i]
}

// fakeResyncer records resync requests and what the writer's pendingness
// looked like at the moment each arrived.
type fakeResyncer struct {
	mu        sync.Mutex
	calls     int
	pendingAt []bool
	writer    *Writer
	ch        chan struct{}
}

func newFakeResyncer() *fakeResyncer {
	return &fakeResyncer{ch: make(chan struct{}, 4)}
}

func (r *fakeResyncer) Resync() {
	r.mu.Lock()
	r.calls++
	if r.writer != nil {
		r.pendingAt = append(r.pendingAt, r.writer.HasPending())
	}
	r.mu.Unlock()

	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *fakeResyncer) waitResync(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no resync requested")
	}
}

func (r *fakeResyncer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func seedStore(t *testing.T, ids ...string) *device.Store {
	t.Helper()
	store := device.NewStore()
	t.Cleanup(func() { store.Close() }) //nolint:errcheck // Test cleanup

	devices := make([]device.Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, testDevice(id))
	}
	store.ApplyFullSnapshot(devices)
	return store
}

func newTestWriter(t *testing.T, hub StateWriter, store PatchApplier, debounceMillis int) *Writer {
	t.Helper()
	w, err := NewWriter(WriterDeps{
		Hub:    hub,
		Store:  store,
		Config: config.WriteConfig{DebounceMillis: debounceMillis, Timeout: 2},
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	t.Cleanup(func() { w.Close() }) //nolint:errcheck // Test cleanup
	return w
}

func TestNewWriter_RequiresDeps(t *testing.T) {
	store := seedStore(t, "lamp")

	if _, err := NewWriter(WriterDeps{Store: store}); err == nil {
		t.Error("NewWriter without hub succeeded, want error")
	}
	if _, err := NewWriter(WriterDeps{Hub: newFakeStateWriter()}); err == nil {
		t.Error("NewWriter without store succeeded, want error")
	}
}

func TestWriter_DiscreteWriteFlushesImmediately(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	// A debounce far beyond the test horizon: if the write arrives, it
	// bypassed the timer.
	w := newTestWriter(t, hub, store, 5000)

	if err := w.Write("lamp", map[string]any{"state": "ON"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := hub.waitWrite(t)
	if got.id != "lamp" {
		t.Errorf("write device = %q, want lamp", got.id)
	}
	if got.props["state"] != "ON" {
		t.Errorf("write props = %v, want state ON", got.props)
	}
}

func TestWriter_OptimisticPatchLandsBeforeDelivery(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	if err := w.Write("lamp", map[string]any{"brightness": 42}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Numeric writes debounce for seconds here, so nothing has reached the
	// hub; the replica must already show the new value.
	d, ok := store.Get("lamp")
	if !ok {
		t.Fatal("lamp missing from store")
	}
	if got := d.State["brightness"]; got != 42 {
		t.Errorf("replica brightness = %v, want 42", got)
	}
	if hub.writeCount() != 0 {
		t.Errorf("hub writes = %d, want 0 during debounce", hub.writeCount())
	}
	if !w.HasPending() {
		t.Error("HasPending() = false, want true during debounce")
	}
}

func TestWriter_BurstCoalescesToFinalValue(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 50)

	for _, level := range []int{10, 60, 120, 180, 250} {
		if err := w.Write("lamp", map[string]any{"brightness": level}); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	got := hub.waitWrite(t)
	if got.props["brightness"] != 250 {
		t.Errorf("delivered brightness = %v, want final value 250", got.props["brightness"])
	}

	// The burst collapses into exactly one request.
	time.Sleep(150 * time.Millisecond)
	if n := hub.writeCount(); n != 1 {
		t.Errorf("hub writes = %d, want 1 for the whole burst", n)
	}

	stats := w.Stats()
	if stats.Coalesced != 4 {
		t.Errorf("Coalesced = %d, want 4", stats.Coalesced)
	}
	if stats.Writes != 1 {
		t.Errorf("Writes = %d, want 1", stats.Writes)
	}

	d, _ := store.Get("lamp")
	if got := d.State["brightness"]; got != 250 {
		t.Errorf("replica brightness = %v, want 250", got)
	}
}

func TestWriter_RequestPropertyChangeCoalesces(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 50)

	if err := w.RequestPropertyChange("lamp", "brightness", 10); err != nil {
		t.Fatalf("RequestPropertyChange failed: %v", err)
	}
	if err := w.RequestPropertyChange("lamp", "brightness", 20); err != nil {
		t.Fatalf("RequestPropertyChange failed: %v", err)
	}

	if got := w.Pending(); len(got) != 1 || got[0] != "lamp" {
		t.Errorf("Pending() = %v during debounce, want [lamp]", got)
	}

	got := hub.waitWrite(t)
	if got.props["brightness"] != 20 {
		t.Errorf("delivered brightness = %v, want the later value 20", got.props["brightness"])
	}

	time.Sleep(150 * time.Millisecond)
	if n := hub.writeCount(); n != 1 {
		t.Errorf("hub writes = %d, want 1 for both changes", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(w.Pending()) > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := w.Pending(); len(got) != 0 {
		t.Errorf("Pending() = %v after delivery settled, want empty", got)
	}
}

func TestWriter_MixedPropsDebounce(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	err := w.Write("lamp", map[string]any{"state": "ON", "brightness": 128})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// One gesture, one request: the numeric part pulls the whole write
	// into the debounce window.
	time.Sleep(100 * time.Millisecond)
	if n := hub.writeCount(); n != 0 {
		t.Errorf("hub writes = %d, want 0 while mixed write debounces", n)
	}

	d, _ := store.Get("lamp")
	if d.State["state"] != "ON" || d.State["brightness"] != 128 {
		t.Errorf("replica state = %v, want both properties applied", d.State)
	}
}

func TestWriter_DiscreteFlushCarriesPendingContinuous(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	if err := w.Write("lamp", map[string]any{"brightness": 200}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write("lamp", map[string]any{"state": "OFF"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := hub.waitWrite(t)
	if got.props["brightness"] != 200 {
		t.Errorf("delivered brightness = %v, want 200 riding the discrete flush", got.props["brightness"])
	}
	if got.props["state"] != "OFF" {
		t.Errorf("delivered state = %v, want OFF", got.props["state"])
	}

	time.Sleep(100 * time.Millisecond)
	if n := hub.writeCount(); n != 1 {
		t.Errorf("hub writes = %d, want 1", n)
	}
}

func TestWriter_DevicesNeverShareRequests(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp", "thermostat")
	w := newTestWriter(t, hub, store, 5000)

	if err := w.Write("lamp", map[string]any{"brightness": 90}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write("thermostat", map[string]any{"mode": "heat"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := hub.waitWrite(t)
	if got.id != "thermostat" {
		t.Errorf("write device = %q, want thermostat", got.id)
	}
	if _, leaked := got.props["brightness"]; leaked {
		t.Error("lamp property leaked into thermostat request")
	}

	// The thermostat request settles asynchronously; once it does, only the
	// debouncing lamp remains pending.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending := w.Stats().PendingDevices
		if len(pending) == 1 && pending[0] == "lamp" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Errorf("PendingDevices = %v, want [lamp]", w.Stats().PendingDevices)
}

func TestWriter_WriteDuringFlightQueuesBehind(t *testing.T) {
	hub := newFakeStateWriter()
	hub.delays["lamp"] = 80 * time.Millisecond
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	if err := w.Write("lamp", map[string]any{"state": "ON"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// The first request is now in flight; this one must wait for it.
	if err := w.Write("lamp", map[string]any{"state": "OFF"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	first := hub.waitWrite(t)
	second := hub.waitWrite(t)

	if first.props["state"] != "ON" || second.props["state"] != "OFF" {
		t.Errorf("delivery order = %v then %v, want ON then OFF",
			first.props["state"], second.props["state"])
	}
	if n := hub.writeCount(); n != 2 {
		t.Errorf("hub writes = %d, want 2", n)
	}
}

func TestWriter_FailureRequestsResyncOnceDrained(t *testing.T) {
	hub := newFakeStateWriter()
	hub.failIDs["lamp"] = errors.New("hub rejected write")
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	resyncer := newFakeResyncer()
	resyncer.writer = w
	w.SetResyncer(resyncer)

	if err := w.Write("lamp", map[string]any{"state": "ON"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	resyncer.waitResync(t)

	resyncer.mu.Lock()
	calls, pendingAt := resyncer.calls, append([]bool(nil), resyncer.pendingAt...)
	resyncer.mu.Unlock()

	if calls != 1 {
		t.Errorf("resync calls = %d, want 1", calls)
	}
	if len(pendingAt) != 1 || pendingAt[0] {
		t.Errorf("pending at resync = %v, want [false]: the snapshot must not race queued writes", pendingAt)
	}
	if got := w.Stats().Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestWriter_ResyncWaitsForOtherDevicesInFlight(t *testing.T) {
	hub := newFakeStateWriter()
	hub.delays["slow"] = 120 * time.Millisecond
	hub.failIDs["fast"] = errors.New("hub rejected write")
	store := seedStore(t, "slow", "fast")
	w := newTestWriter(t, hub, store, 5000)

	resyncer := newFakeResyncer()
	resyncer.writer = w
	w.SetResyncer(resyncer)

	if err := w.Write("slow", map[string]any{"mode": "auto"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write("fast", map[string]any{"state": "ON"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// The fast write has failed by now, but the slow one is still in
	// flight, so the resync must hold.
	time.Sleep(40 * time.Millisecond)
	if got := resyncer.callCount(); got != 0 {
		t.Errorf("resync calls = %d while a write is in flight, want 0", got)
	}

	resyncer.waitResync(t)

	resyncer.mu.Lock()
	calls, pendingAt := resyncer.calls, append([]bool(nil), resyncer.pendingAt...)
	resyncer.mu.Unlock()

	if calls != 1 {
		t.Errorf("resync calls = %d, want exactly 1", calls)
	}
	if len(pendingAt) != 1 || pendingAt[0] {
		t.Errorf("pending at resync = %v, want [false]", pendingAt)
	}
}

func TestWriter_UnknownDeviceRejected(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 50)

	err := w.Write("ghost", map[string]any{"state": "ON"})
	if !errors.Is(err, device.ErrUnknownDevice) {
		t.Errorf("Write(ghost) = %v, want ErrUnknownDevice", err)
	}
	if n := hub.writeCount(); n != 0 {
		t.Errorf("hub writes = %d, want 0", n)
	}
	if w.HasPending() {
		t.Error("HasPending() = true after rejected write, want false")
	}
}

func TestWriter_EmptyPropsNoop(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 50)

	if err := w.Write("lamp", nil); err != nil {
		t.Errorf("Write(nil) = %v, want nil", err)
	}
	if err := w.Write("lamp", map[string]any{}); err != nil {
		t.Errorf("Write(empty) = %v, want nil", err)
	}
	if n := hub.writeCount(); n != 0 {
		t.Errorf("hub writes = %d, want 0", n)
	}
}

func TestWriter_PendingLifecycle(t *testing.T) {
	hub := newFakeStateWriter()
	hub.delays["lamp"] = 60 * time.Millisecond
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	if w.HasPending() {
		t.Error("HasPending() = true before any write")
	}

	if err := w.Write("lamp", map[string]any{"state": "ON"}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Delivery takes 60ms, so pendingness covers the in-flight phase.
	if !w.HasPending() {
		t.Error("HasPending() = false while request in flight, want true")
	}

	hub.waitWrite(t)
	deadline := time.Now().Add(2 * time.Second)
	for w.HasPending() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if w.HasPending() {
		t.Error("HasPending() = true after delivery settled, want false")
	}
}

func TestWriter_CloseFlushesDebouncedWrites(t *testing.T) {
	hub := newFakeStateWriter()
	store := seedStore(t, "lamp")
	w := newTestWriter(t, hub, store, 5000)

	if err := w.Write("lamp", map[string]any{"brightness": 77}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Close must not abandon the debounced value.
	if n := hub.writeCount(); n != 1 {
		t.Fatalf("hub writes = %d after Close, want 1", n)
	}
	if got := hub.writeAt(0).props["brightness"]; got != 77 {
		t.Errorf("flushed brightness = %v, want 77", got)
	}

	if err := w.Write("lamp", map[string]any{"state": "ON"}); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
	}
}
