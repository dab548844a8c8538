package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/hub"
	"github.com/nerrad567/hubmirror/internal/infrastructure/config"
	"github.com/nerrad567/hubmirror/internal/infrastructure/logging"
)

// wsSendBufferSize is the per-client outbound frame buffer. A client that
// falls this far behind starts losing frames; the next snapshot broadcast
// heals it, the same way polling heals the mirror itself.
const wsSendBufferSize = 256

// Downstream keepalive. The mirror pings its subscribers the way the hub
// pings the mirror: protocol-level pings on a fixed cadence, with a read
// deadline generous enough to span one missed ping.
const (
	wsPingInterval = 54 * time.Second
	wsPongWait     = 90 * time.Second

	// wsDefaultWriteWait bounds a single frame write when no write timeout
	// is configured.
	wsDefaultWriteWait = 10 * time.Second
)

// TypeSnapshotApplied tags the frame announcing a completed snapshot sync.
// Clients that only understand device_update frames ignore it; clients that
// track removals use it to drop stale devices and refetch.
const TypeSnapshotApplied = "snapshot"

// snapshotFrame is the wire shape of a snapshot announcement.
type snapshotFrame struct {
	Type      string   `json:"type"`
	Devices   int      `json:"devices"`
	Removed   []string `json:"removed,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Hub fans replica changes out to downstream websocket subscribers. Frames
// use the upstream hub's wire protocol, so a client written against the hub
// can point at the mirror unchanged.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
	closed  bool
}

// WSClient is one downstream websocket subscriber.
type WSClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The single-use ticket guards the upgrade; origin is not the
		// boundary here.
		return true
	},
}

// NewHub creates an empty websocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(client.send)
		client.conn.Close() //nolint:errcheck // connection is being discarded
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "client", client.id, "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that successfully removes the client from the map
// closes the send channel, preventing double-close panics during shutdown.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "client", client.id, "clients", h.ClientCount())
}

// BroadcastChange translates one replica mutation into its wire frame and
// queues it on every connected client. It runs on the store's dispatch
// goroutine, so it must never block: a slow client loses frames instead.
func (h *Hub) BroadcastChange(ch device.Change) {
	data, err := encodeChange(ch)
	if err != nil {
		h.logger.Error("failed to encode change frame", "kind", ch.Kind, "error", err)
		return
	}

	// Snapshot the client list under the lock, then send without it.
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for client := range h.clients {
		close(client.send)
		client.conn.Close() //nolint:errcheck // shutdown path
		delete(h.clients, client)
	}
}

// encodeChange maps a replica change onto the hub's wire protocol: patches
// become device_update frames, snapshots a snapshot announcement.
func encodeChange(ch device.Change) ([]byte, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	switch ch.Kind {
	case device.ChangePatch:
		return hub.EncodeDeviceUpdate(hub.DeviceUpdate{
			DeviceName: ch.DeviceID,
			State:      ch.Diff,
			Timestamp:  now,
		})
	case device.ChangeSnapshot:
		return json.Marshal(snapshotFrame{
			Type:      TypeSnapshotApplied,
			Devices:   ch.Count,
			Removed:   ch.Removed,
			Timestamp: now,
		})
	default:
		return nil, fmt.Errorf("unknown change kind %q", ch.Kind)
	}
}

// handleWebSocket upgrades the HTTP connection to a websocket subscription.
// When a bearer token is configured, the upgrade requires a single-use
// ticket from POST /api/ws-ticket, carried in the query string because
// browsers cannot set headers on an upgrade request.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		if err := s.tickets.redeem(ticket, time.Now()); err != nil {
			s.logger.Debug("websocket ticket rejected", "error", err)
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:   uuid.NewString(),
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump drains inbound frames until the connection dies. The downstream
// protocol is broadcast-only, but clients may probe liveness with in-band
// pings the way the hub probes the mirror; those are answered here.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close() //nolint:errcheck // teardown path
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "client", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "client", c.id, "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handleMessage(message)
	}
}

// handleMessage answers in-band pings; every other inbound frame is noise
// on a broadcast-only channel and is dropped.
func (c *WSClient) handleMessage(data []byte) {
	msg, err := hub.DecodeFrame(data)
	if err != nil {
		return
	}
	if _, ok := msg.(hub.Ping); ok {
		if pong, err := hub.EncodePong(time.Now()); err == nil {
			c.trySend(pong)
		}
	}
}

// writePump writes queued frames and drives protocol-level keepalive pings.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	writeWait := time.Duration(cfg.WriteTimeout) * time.Second
	if writeWait <= 0 {
		writeWait = wsDefaultWriteWait
	}

	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // teardown path
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend attempts to queue data for the client.
// It silently handles closed channels (client disconnected during broadcast)
// and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}
