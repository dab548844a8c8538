package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/hub"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close() //nolint:errcheck // handshake response is drained
	}
	t.Cleanup(func() { conn.Close() }) //nolint:errcheck // Test cleanup
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

// seedAndSettle loads the test inventory and waits until the store's
// dispatcher has delivered the seed snapshot. Subscribers dispatch in
// registration order and the server's broadcast hook registers first, so
// once this returns no frame from seeding can reach a client connected
// afterwards.
func seedAndSettle(t *testing.T, store *device.Store) {
	t.Helper()

	settled := make(chan struct{})
	var once sync.Once
	store.OnChange(func(device.Change) {
		once.Do(func() { close(settled) })
	})

	seedReplica(store)

	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("store dispatcher never delivered the seed snapshot")
	}
}

// waitClients polls until the hub holds the wanted number of subscribers.
// Registration happens server-side after the handshake returns to the
// dialer, so tests must not broadcast before it lands.
func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("clients = %d, want %d", h.ClientCount(), want)
}

func TestWebSocket_BroadcastsPatches(t *testing.T) {
	srv, store, _ := testServer(t)
	seedAndSettle(t, store)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn := dialWS(t, wsURL(ts))
	waitClients(t, srv.hub, 1)

	store.ApplyPatch("thermostat", map[string]any{
		"current_heating_setpoint": 22.5,
		"away_mode":                nil,
	})

	msg, err := hub.DecodeFrame(readFrame(t, conn))
	if err != nil {
		t.Fatalf("frame did not decode: %v", err)
	}
	upd, ok := msg.(hub.DeviceUpdate)
	if !ok {
		t.Fatalf("frame type = %T, want DeviceUpdate", msg)
	}
	if upd.DeviceName != "thermostat" {
		t.Errorf("device = %q, want thermostat", upd.DeviceName)
	}
	if upd.State["current_heating_setpoint"] != 22.5 {
		t.Errorf("setpoint = %v, want 22.5", upd.State["current_heating_setpoint"])
	}
	// Deleted keys survive the rebroadcast as explicit nulls.
	if val, present := upd.State["away_mode"]; !present || val != nil {
		t.Errorf("away_mode = %v (present=%v), want present nil", val, present)
	}
	if upd.Timestamp == "" {
		t.Error("timestamp missing from rebroadcast frame")
	}
}

func TestWebSocket_AnnouncesSnapshots(t *testing.T) {
	srv, store, _ := testServer(t)
	seedAndSettle(t, store)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn := dialWS(t, wsURL(ts))
	waitClients(t, srv.hub, 1)

	// Shrink the inventory; subscribers learn which ids were pruned.
	store.ApplyFullSnapshot([]device.Device{
		{FriendlyName: "thermostat", State: device.State{"current_heating_setpoint": float64(21)}},
		{FriendlyName: "living_room/lamp", State: device.State{"state": "ON"}},
	})

	var frame struct {
		Type      string   `json:"type"`
		Devices   int      `json:"devices"`
		Removed   []string `json:"removed"`
		Timestamp string   `json:"timestamp"`
	}
	if err := json.Unmarshal(readFrame(t, conn), &frame); err != nil {
		t.Fatalf("unmarshal snapshot frame: %v", err)
	}
	if frame.Type != TypeSnapshotApplied {
		t.Errorf("type = %q, want %q", frame.Type, TypeSnapshotApplied)
	}
	if frame.Devices != 2 {
		t.Errorf("devices = %d, want 2", frame.Devices)
	}
	if len(frame.Removed) != 1 || frame.Removed[0] != "hallway/sensor" {
		t.Errorf("removed = %v, want [hallway/sensor]", frame.Removed)
	}
	if frame.Timestamp == "" {
		t.Error("timestamp missing from snapshot frame")
	}
}

func TestWebSocket_AnswersPing(t *testing.T) {
	srv, store, _ := testServer(t)
	seedAndSettle(t, store)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn := dialWS(t, wsURL(ts))
	waitClients(t, srv.hub, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	msg, err := hub.DecodeFrame(readFrame(t, conn))
	if err != nil {
		t.Fatalf("answer did not decode: %v", err)
	}
	pong, ok := msg.(hub.Pong)
	if !ok {
		t.Fatalf("answer type = %T, want Pong", msg)
	}
	if pong.Timestamp <= 0 {
		t.Errorf("pong timestamp = %d, want > 0", pong.Timestamp)
	}
}

func TestWebSocket_FramesArriveInOrder(t *testing.T) {
	srv, store, _ := testServer(t)
	seedAndSettle(t, store)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	conn := dialWS(t, wsURL(ts))
	waitClients(t, srv.hub, 1)

	for i := 1; i <= 5; i++ {
		store.ApplyPatch("living_room/lamp", map[string]any{"brightness": float64(i)})
	}

	for i := 1; i <= 5; i++ {
		msg, err := hub.DecodeFrame(readFrame(t, conn))
		if err != nil {
			t.Fatalf("frame %d did not decode: %v", i, err)
		}
		upd, ok := msg.(hub.DeviceUpdate)
		if !ok {
			t.Fatalf("frame %d type = %T, want DeviceUpdate", i, msg)
		}
		if upd.State["brightness"] != float64(i) {
			t.Errorf("frame %d brightness = %v, want %d", i, upd.State["brightness"], i)
		}
	}
}

func TestWebSocket_TicketFlow(t *testing.T) {
	const token = "correct-horse-battery-staple"
	srv, store, _ := testServer(t, func(d *Deps) { d.Config.Token = token })
	seedReplica(store)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	// No ticket: the upgrade is refused before it starts.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("dial without ticket should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
	resp.Body.Close() //nolint:errcheck // handshake response is drained

	// Trade the bearer token for a single-use ticket.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/ws-ticket", nil)
	if err != nil {
		t.Fatalf("build ticket request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	httpResp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("ws-ticket request failed: %v", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // Test cleanup
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("ws-ticket status = %d, want 200", httpResp.StatusCode)
	}

	var ticketResp struct {
		Ticket    string `json:"ticket"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&ticketResp); err != nil {
		t.Fatalf("decode ticket: %v", err)
	}
	if ticketResp.Ticket == "" || ticketResp.ExpiresIn != 30 {
		t.Fatalf("ticket response = %+v, want non-empty ticket with 30s expiry", ticketResp)
	}

	// The ticket admits exactly one upgrade.
	conn, resp2, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?ticket="+ticketResp.Ticket, nil)
	if err != nil {
		t.Fatalf("dial with ticket failed: %v", err)
	}
	if resp2 != nil {
		resp2.Body.Close() //nolint:errcheck // handshake response is drained
	}
	defer conn.Close() //nolint:errcheck // Test cleanup

	_, resp3, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?ticket="+ticketResp.Ticket, nil)
	if err == nil {
		t.Fatal("replayed ticket should fail")
	}
	if resp3 == nil || resp3.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replay response = %v, want 401", resp3)
	}
	resp3.Body.Close() //nolint:errcheck // handshake response is drained
}

func TestStatus_CountsWSClients(t *testing.T) {
	srv, store, _ := testServer(t)
	seedReplica(store)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	dialWS(t, wsURL(ts))
	waitClients(t, srv.hub, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	resp := decodeBody(t, w)
	if resp["ws_clients"] != float64(1) {
		t.Errorf("ws_clients = %v, want 1", resp["ws_clients"])
	}
}
