package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/infrastructure/mqtt"
)

// changeQueueSize buffers store changes between the store's dispatch
// goroutine and the bridge's publish loop. The store never blocks on the
// bridge: when the broker is slower than the change feed, changes are
// dropped and counted, and the next snapshot republish repairs the
// retained documents.
const changeQueueSize = 256

// Broker is the slice of the MQTT client the bridge needs. *mqtt.Client
// satisfies it.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// StateWriter feeds inbound set payloads into the optimistic write path.
// *mirror.Writer satisfies it.
type StateWriter interface {
	Write(id string, props map[string]any) error
}

// Logger is the subset of the app logger the bridge uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps carries the collaborators for New.
type Deps struct {
	Broker Broker
	Topics mqtt.Topics
	Store  *device.Store
	Writer StateWriter

	// QoS applies to every publish. Subscriptions use it as the ceiling for
	// inbound sets.
	QoS byte

	// Logger is optional.
	Logger Logger
}

// Stats is a point-in-time snapshot of bridge activity.
type Stats struct {
	Published     uint64     `json:"published"`
	PublishErrors uint64     `json:"publish_errors"`
	Dropped       uint64     `json:"dropped"`
	Writes        uint64     `json:"writes"`
	WriteErrors   uint64     `json:"write_errors"`
	LastPublishAt *time.Time `json:"last_publish_at,omitempty"`
}

// Bridge republishes replica changes to MQTT and feeds set payloads into
// the write coordinator. One goroutine consumes the change queue; inbound
// sets arrive on the MQTT client's handler goroutines and only touch the
// writer, which serializes internally.
type Bridge struct {
	broker Broker
	topics mqtt.Topics
	store  *device.Store
	writer StateWriter
	qos    byte
	logger Logger

	changes chan device.Change

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	started       bool
	closed        bool
	published     uint64
	publishErrors uint64
	dropped       uint64
	writes        uint64
	writeErrors   uint64
	lastPublish   time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New validates deps and returns a Bridge. Call Start to subscribe and
// begin publishing.
func New(deps Deps) (*Bridge, error) {
	if deps.Broker == nil {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("device store is required")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("state writer is required")
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		broker:  deps.Broker,
		topics:  deps.Topics,
		store:   deps.Store,
		writer:  deps.Writer,
		qos:     deps.QoS,
		logger:  deps.Logger,
		changes: make(chan device.Change, changeQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start subscribes to the set topics, publishes the current replica so the
// retained documents are fresh from the first moment, and begins consuming
// the store's change feed. The broker must be connected.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.mu.Unlock()

	// Change feed first: anything that races the initial publish lands in
	// the queue and converges the retained documents right after.
	b.store.OnChange(b.enqueueChange)

	setFilter := b.topics.AllDeviceSets()
	if err := b.broker.Subscribe(setFilter, b.qos, b.handleSet); err != nil {
		return fmt.Errorf("subscribe %q: %w", setFilter, err)
	}

	b.publishAll()

	b.wg.Add(1)
	go b.run()

	b.logger.Info("mqtt bridge started",
		"set_filter", setFilter,
		"devices", b.store.Len())
	return nil
}

// Close stops the publish loop. Changes the store dispatches afterwards
// are dropped quietly. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// Stats returns a snapshot of bridge counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Published:     b.published,
		PublishErrors: b.publishErrors,
		Dropped:       b.dropped,
		Writes:        b.writes,
		WriteErrors:   b.writeErrors,
	}
	if !b.lastPublish.IsZero() {
		t := b.lastPublish
		s.LastPublishAt = &t
	}
	return s
}

// enqueueChange runs on the store's dispatch goroutine and must not block.
func (b *Bridge) enqueueChange(ch device.Change) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	select {
	case b.changes <- ch:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.logger.Warn("change queue full, dropping change", "device", ch.DeviceID)
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case ch := <-b.changes:
			b.handleChange(ch)
		}
	}
}

func (b *Bridge) handleChange(ch device.Change) {
	switch ch.Kind {
	case device.ChangePatch:
		if ch.Device == nil {
			return
		}
		b.publishDevice(ch.Device)
	case device.ChangeSnapshot:
		b.publishAll()
		for _, id := range ch.Removed {
			b.clearDevice(id)
		}
	}
}

// publishAll republishes every device document. Used at start and after
// snapshots, where individual diffs are not available.
func (b *Bridge) publishAll() {
	devices := b.store.List()
	for i := range devices {
		b.publishDevice(&devices[i])
	}
	b.logger.Debug("republished replica", "devices", len(devices))
}

func (b *Bridge) publishDevice(d *device.Device) {
	doc, err := json.Marshal(d)
	if err != nil {
		b.mu.Lock()
		b.publishErrors++
		b.mu.Unlock()
		b.logger.Error("encode device document", "device", d.FriendlyName, "error", err)
		return
	}

	topic := b.topics.DeviceState(d.FriendlyName)
	if err := b.broker.Publish(topic, doc, b.qos, true); err != nil {
		b.mu.Lock()
		b.publishErrors++
		b.mu.Unlock()
		b.logger.Warn("publish device document", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	b.published++
	b.lastPublish = time.Now().UTC()
	b.mu.Unlock()
}

// clearDevice publishes an empty retained payload, which deletes the
// retained document for a device the hub no longer reports.
func (b *Bridge) clearDevice(id string) {
	topic := b.topics.DeviceState(id)
	if err := b.broker.Publish(topic, nil, b.qos, true); err != nil {
		b.mu.Lock()
		b.publishErrors++
		b.mu.Unlock()
		b.logger.Warn("clear retained document", "topic", topic, "error", err)
	}
}

// handleSet runs on the MQTT client's handler goroutines. Returned errors
// are logged by the client.
func (b *Bridge) handleSet(topic string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	id, err := b.topics.ParseDeviceSet(topic)
	if err != nil {
		return err
	}

	var props map[string]any
	if err := json.Unmarshal(payload, &props); err != nil {
		return fmt.Errorf("decode set payload for %q: %w", id, err)
	}
	if len(props) == 0 {
		return nil
	}

	if err := b.writer.Write(id, props); err != nil {
		b.mu.Lock()
		b.writeErrors++
		b.mu.Unlock()
		return fmt.Errorf("write %q: %w", id, err)
	}

	b.mu.Lock()
	b.writes++
	b.mu.Unlock()

	b.logger.Debug("accepted set", "device", id, "keys", len(props))
	return nil
}
