package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
)

// Logger is the minimal logging interface this package needs. Structured
// key/value pairs follow the message.
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

// SnapshotSource fetches the hub's full device inventory. *hub.Client
// satisfies it.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) ([]device.Device, error)
}

// SnapshotSink receives fetched inventories. *device.Store satisfies it.
type SnapshotSink interface {
	ApplyFullSnapshot(devices []device.Device)
}

// PendingGuard reports whether optimistic writes are outstanding. Poll
// ticks are suppressed while they are, so a snapshot cannot clobber state
// the hub has not confirmed yet. *Writer satisfies it.
type PendingGuard interface {
	HasPending() bool
}

// PollerDeps carries the collaborators for NewPoller.
type PollerDeps struct {
	Source SnapshotSource
	Sink   SnapshotSink
	Config config.PollConfig

	// Pending is optional; when nil every tick fetches.
	Pending PendingGuard

	// Clock is optional; when nil the real clock is used.
	Clock Clock

	// Logger is optional.
	Logger Logger
}

// PollerStats is a point-in-time snapshot of poll loop activity.
type PollerStats struct {
	Snapshots      uint64     `json:"snapshots"`
	SkippedPending uint64     `json:"skipped_pending"`
	Failures       uint64     `json:"failures"`
	Degraded       bool       `json:"degraded"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Poller periodically replaces the replica with a full snapshot from the
// hub. It is the reliable half of the sync: the push channel is fast but
// lossy, so every poll heals whatever the stream missed.
//
// Two cadences apply: a slow safety-net interval while the push channel is
// connected, and a faster one while it is not and polling carries the sync
// alone. Ticks are skipped while optimistic writes are pending; an explicit
// Resync bypasses that gate once.
type Poller struct {
	source  SnapshotSource
	sink    SnapshotSink
	pending PendingGuard
	clock   Clock
	logger  Logger

	intervalConnected time.Duration
	intervalDegraded  time.Duration
	fetchTimeout      time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	kick       chan struct{}
	intervalCh chan time.Duration
	done       chan struct{}

	mu         sync.Mutex
	degraded   bool
	needResync bool
	started    bool
	closed     bool
	snapshots  uint64
	skipped    uint64
	failures   uint64
	lastSync   time.Time
	lastErr    error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPoller validates deps and returns a Poller. Nothing fetches until
// Start.
func NewPoller(deps PollerDeps) (*Poller, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("snapshot source is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("snapshot sink is required")
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		source:            deps.Source,
		sink:              deps.Sink,
		pending:           deps.Pending,
		clock:             deps.Clock,
		logger:            deps.Logger,
		intervalConnected: deps.Config.GetIntervalConnected(),
		intervalDegraded:  deps.Config.GetIntervalDegraded(),
		fetchTimeout:      deps.Config.GetFetchTimeout(),
		ctx:               ctx,
		cancel:            cancel,
		kick:              make(chan struct{}, 1),
		intervalCh:        make(chan time.Duration, 1),
		done:              make(chan struct{}),
	}, nil
}

// Start launches the poll loop. The first fetch happens immediately so the
// replica is primed before the first interval elapses.
func (p *Poller) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPollerClosed
	}
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("mirror: poller already started")
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()

	p.logger.Info("poll loop started",
		"interval_connected", p.intervalConnected,
		"interval_degraded", p.intervalDegraded,
	)
	return nil
}

// SetDegraded switches the poll cadence. Degraded means the push channel is
// not delivering, so polling carries the sync alone and runs faster.
func (p *Poller) SetDegraded(degraded bool) {
	p.mu.Lock()
	if p.closed || p.degraded == degraded {
		p.mu.Unlock()
		return
	}
	p.degraded = degraded
	interval := p.intervalLocked()
	p.mu.Unlock()

	// Last write wins: drain a stale pending swap before queueing ours.
	for {
		select {
		case p.intervalCh <- interval:
			return
		case <-p.intervalCh:
		}
	}
}

// Resync requests an immediate fetch, bypassing the pending-writes gate
// once. Used after a failed optimistic write, when local state may disagree
// with the hub, and on push channel recovery to heal missed frames.
func (p *Poller) Resync() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.needResync = true
	p.mu.Unlock()

	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of poll loop counters.
func (p *Poller) Stats() PollerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PollerStats{
		Snapshots:      p.snapshots,
		SkippedPending: p.skipped,
		Failures:       p.failures,
		Degraded:       p.degraded,
	}
	if !p.lastSync.IsZero() {
		t := p.lastSync
		stats.LastSyncAt = &t
	}
	if p.lastErr != nil {
		stats.LastError = p.lastErr.Error()
	}
	return stats
}

// Close stops the loop and cancels any in-flight fetch. Idempotent.
func (p *Poller) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.done)
		p.cancel()
		p.wg.Wait()

		p.logger.Info("poll loop stopped")
	})
	return nil
}

func (p *Poller) loop() {
	defer p.wg.Done()

	// Prime the replica before the first interval elapses.
	p.tick()

	p.mu.Lock()
	interval := p.intervalLocked()
	p.mu.Unlock()

	ticker := p.clock.Ticker(interval)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.Chan():
			p.tick()
		case <-p.kick:
			p.tick()
		case next := <-p.intervalCh:
			ticker.Stop()
			ticker = p.clock.Ticker(next)
			p.logger.Info("poll interval changed", "interval", next)
		}
	}
}

// tick runs one poll cycle. Regular ticks defer to pending optimistic
// writes; a requested resync fetches regardless, because it only fires when
// local state is known to be suspect. The resync flag survives failed
// fetches so the recovery is not lost to a flaky hub.
func (p *Poller) tick() {
	p.mu.Lock()
	resync := p.needResync
	p.mu.Unlock()

	if !resync && p.pending != nil && p.pending.HasPending() {
		p.mu.Lock()
		p.skipped++
		p.mu.Unlock()
		p.logger.Debug("poll tick skipped, writes pending")
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.fetchTimeout)
	devices, err := p.source.FetchSnapshot(ctx)
	cancel()

	if err != nil {
		p.mu.Lock()
		p.failures++
		p.lastErr = err
		p.mu.Unlock()
		p.logger.Warn("snapshot fetch failed, keeping replica", "error", err)
		return
	}

	p.sink.ApplyFullSnapshot(devices)

	p.mu.Lock()
	p.needResync = false
	p.snapshots++
	p.lastSync = p.clock.Now()
	p.lastErr = nil
	p.mu.Unlock()

	p.logger.Debug("snapshot applied", "devices", len(devices), "resync", resync)
}

func (p *Poller) intervalLocked() time.Duration {
	if p.degraded {
		return p.intervalDegraded
	}
	return p.intervalConnected
}
