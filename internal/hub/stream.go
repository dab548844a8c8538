package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState identifies where the push channel is in its lifecycle.
type ConnState string

const (
	// StateDisconnected means no connection exists and no retry is
	// scheduled. Initial state, and the terminal state after Close.
	StateDisconnected ConnState = "disconnected"

	// StateConnecting means a dial is in flight, or the socket is open but
	// the hub has not yet delivered a decodable frame.
	StateConnecting ConnState = "connecting"

	// StateConnected means the socket is open and at least one frame has
	// decoded cleanly since the last dial.
	StateConnected ConnState = "connected"

	// StateReconnecting means the last attempt failed and an exponential
	// backoff timer is running.
	StateReconnecting ConnState = "reconnecting"

	// StateFailed means consecutive failures passed the threshold; retries
	// continue on the long fixed interval until one succeeds or the host
	// calls Restart.
	StateFailed ConnState = "failed"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultInitialDelay      = 2 * time.Second
	defaultMaxDelay          = 30 * time.Second
	defaultMaxAttempts       = 5
	defaultLongRetryInterval = 2 * time.Minute

	// readWait is how long a silent socket is tolerated. The hub pings
	// roughly every 54s, so anything past one ping interval plus slack
	// means the TCP session is dead.
	readWait = 90 * time.Second

	// controlWriteWait bounds pong writes so a stalled peer cannot wedge
	// the read loop.
	controlWriteWait = 10 * time.Second
)

// PatchSink receives device state diffs decoded from the push channel.
// *device.Store satisfies it.
type PatchSink interface {
	ApplyPatch(id string, diff map[string]any) bool
}

// Logger is the minimal logging interface the stream needs. Structured
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

// StreamConfig carries the dial target and retry tuning for a Stream.
// Zero values fall back to package defaults.
type StreamConfig struct {
	// URL is the hub's websocket endpoint (ws:// or wss://).
	URL string

	// Token is an optional bearer token presented on the handshake.
	Token string

	// ConnectTimeout bounds a single websocket handshake.
	ConnectTimeout time.Duration

	// InitialDelay is the first reconnect backoff step; each consecutive
	// failure doubles it up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxAttempts is the consecutive-failure count after which the stream
	// enters the failed state and retries on LongRetryInterval instead.
	MaxAttempts       int
	LongRetryInterval time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.LongRetryInterval <= 0 {
		c.LongRetryInterval = defaultLongRetryInterval
	}
}

// StreamStats is a point-in-time snapshot of push channel health.
type StreamStats struct {
	State               ConnState  `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ConnectedSince      *time.Time `json:"connected_since,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	FramesReceived      uint64     `json:"frames_received"`
	PatchesApplied      uint64     `json:"patches_applied"`
	FramesDropped       uint64     `json:"frames_dropped"`
}

// Stream maintains the hub's websocket push channel: it dials, decodes
// frames into the patch sink, answers pings, and reconnects with
// exponential backoff when the connection drops. All methods are safe for
// concurrent use.
//
// The channel is treated as unreliable: frames lost while disconnected are
// never replayed here. Snapshot polling covers the gaps.
type Stream struct {
	cfg    StreamConfig
	sink   PatchSink
	dialer *websocket.Dialer
	logger Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       ConnState
	conn        *websocket.Conn
	generation  uint64
	attempts    int
	lastErr     error
	connectedAt time.Time
	retryTimer  *time.Timer
	closed      bool
	onState     func(from, to ConnState)

	framesReceived uint64
	patchesApplied uint64
	framesDropped  uint64

	// cbMu serialises state callbacks with Close so none fires after Close
	// returns. Callbacks must not call back into Close.
	cbMu sync.Mutex

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStream returns a Stream in the disconnected state. Nothing dials until
// Connect. A nil sink discards device updates, which is only useful in
// tests.
func NewStream(cfg StreamConfig, sink PatchSink) *Stream {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		cfg:  cfg,
		sink: sink,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger: noopLogger{},
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
	}
}

// SetLogger replaces the no-op default. Call before Connect.
func (s *Stream) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetOnStateChange registers a callback invoked on every state transition.
// The callback runs outside the stream's lock but must return promptly;
// slow work belongs on the caller's own goroutine. Call before Connect.
func (s *Stream) SetOnStateChange(fn func(from, to ConnState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Stream) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of connection health and frame counters.
func (s *Stream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StreamStats{
		State:               s.state,
		ConsecutiveFailures: s.attempts,
		FramesReceived:      s.framesReceived,
		PatchesApplied:      s.patchesApplied,
		FramesDropped:       s.framesDropped,
	}
	if s.lastErr != nil {
		stats.LastError = s.lastErr.Error()
	}
	if s.state == StateConnected && !s.connectedAt.IsZero() {
		t := s.connectedAt
		stats.ConnectedSince = &t
	}
	return stats
}

// Connect begins asynchronous establishment of the push channel. It is a
// no-op while a connection is already live or being dialled. Dial failures
// do not surface here; they become state transitions and log records.
// Returns ErrStreamClosed after Close.
func (s *Stream) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.stopRetryLocked()
	from := s.state
	s.state = StateConnecting
	s.dialLocked()
	s.mu.Unlock()

	s.emit(from, StateConnecting)
	return nil
}

// Restart zeroes the failure counter and dials immediately unless a
// connection is already live or being dialled. Hosts call this when they
// know connectivity has returned instead of waiting out a long retry.
func (s *Stream) Restart() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.attempts = 0
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.stopRetryLocked()
	from := s.state
	s.state = StateConnecting
	s.dialLocked()
	s.mu.Unlock()

	s.logger.Info("push channel restart requested")
	s.emit(from, StateConnecting)
	return nil
}

// Close tears the channel down permanently: reconnection stops, the socket
// closes, and Close blocks until the connection goroutine exits. Idempotent.
// No state callbacks fire after Close returns.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.stopRetryLocked()
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()

		// Drain any in-flight state callback before returning.
		s.cbMu.Lock()
		s.cbMu.Unlock() //nolint:staticcheck // acquiring the lock is the barrier

		s.logger.Info("push channel closed")
	})
	return nil
}

// dialLocked invalidates older connection goroutines and launches a new
// one. Caller holds mu and has already verified the stream is not closed.
func (s *Stream) dialLocked() {
	s.generation++
	gen := s.generation
	s.wg.Add(1)
	go s.runConnection(gen)
}

func (s *Stream) runConnection(gen uint64) {
	defer s.wg.Done()

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, resp, err := s.dialer.DialContext(dialCtx, s.cfg.URL, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.connectionFailed(gen, fmt.Errorf("dial %s: %w", s.cfg.URL, err))
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.logger.Debug("push channel socket open", "url", s.cfg.URL)
	s.readLoop(gen, conn)
}

func (s *Stream) readLoop(gen uint64, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // fresh connection
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // live connection
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(controlWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionFailed(gen, fmt.Errorf("read: %w", err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck // read errors surface on the next read

		msg, err := DecodeFrame(data)
		if err != nil {
			s.noteDroppedFrame(err)
			continue
		}

		s.frameDecoded(gen)

		switch m := msg.(type) {
		case DeviceUpdate:
			s.applyUpdate(m)
		case Ping:
			s.sendPong(conn)
		case Pong:
			// Latency probes are not tracked; nothing to correlate.
		}
	}
}

// frameDecoded counts the frame and, on the first decoded frame of a
// connection, promotes connecting to connected and clears the failure
// counter. Promotion waits for a decoded frame rather than the handshake so
// that a proxy accepting TCP in front of a dead hub does not count as up.
func (s *Stream) frameDecoded(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.framesReceived++
	if s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateConnected
	s.attempts = 0
	s.lastErr = nil
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("push channel established", "url", s.cfg.URL)
	s.emit(from, StateConnected)
}

func (s *Stream) applyUpdate(upd DeviceUpdate) {
	if s.sink == nil {
		return
	}
	applied := s.sink.ApplyPatch(upd.DeviceName, upd.State)

	s.mu.Lock()
	if applied {
		s.patchesApplied++
	}
	s.mu.Unlock()

	if !applied {
		s.logger.Debug("patch for unknown device dropped", "device", upd.DeviceName)
	}
}

func (s *Stream) noteDroppedFrame(err error) {
	s.mu.Lock()
	s.framesDropped++
	dropped := s.framesDropped
	s.mu.Unlock()

	s.logger.Warn("push frame dropped", "error", err, "total_dropped", dropped)
}

// sendPong answers an application-level ping. Only the read loop writes
// data frames, so no write lock is needed.
func (s *Stream) sendPong(conn *websocket.Conn) {
	data, err := EncodePong(time.Now())
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(controlWriteWait)) //nolint:errcheck // the write below surfaces failures
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("pong write failed", "error", err)
	}
}

// connectionFailed records the failure, schedules the next attempt and
// moves to reconnecting or, past the attempt threshold, failed. Stale
// generations and closed streams are ignored.
func (s *Stream) connectionFailed(gen uint64, err error) {
	s.mu.Lock()
	if s.closed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.attempts++
	s.lastErr = err
	attempt := s.attempts

	var (
		to    ConnState
		delay time.Duration
	)
	if attempt > s.cfg.MaxAttempts {
		to = StateFailed
		delay = s.cfg.LongRetryInterval
	} else {
		to = StateReconnecting
		delay = backoffDelay(attempt, s.cfg.InitialDelay, s.cfg.MaxDelay)
	}
	from := s.state
	s.state = to
	s.retryTimer = time.AfterFunc(delay, s.retryNow)
	s.mu.Unlock()

	s.logger.Warn("push channel down",
		"error", err,
		"consecutive_failures", attempt,
		"retry_in", delay,
		"state", to,
	)
	s.emit(from, to)
}

// retryNow is the backoff timer callback.
func (s *Stream) retryNow() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = StateConnecting
	s.dialLocked()
	s.mu.Unlock()

	s.emit(from, StateConnecting)
}

func (s *Stream) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Stream) emit(from, to ConnState) {
	if from == to {
		return
	}
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	fn := s.onState
	closed := s.closed
	s.mu.Unlock()

	if closed || fn == nil {
		return
	}
	fn(from, to)
}

// backoffDelay returns the exponential delay for the given 1-based attempt:
// initial, 2x, 4x and so on, clamped to max. The loop form avoids shift
// overflow for absurd attempt counts.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
