package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/hubmirror/internal/hub"
	"github.com/nerrad567/hubmirror/internal/mirror"
)

// statusResponse aggregates the health of every moving part of the sync.
// Status is "ok" while the push channel carries updates and "degraded"
// otherwise; the replica keeps serving in both cases.
type statusResponse struct {
	Status    string              `json:"status"`
	Version   string              `json:"version"`
	Replica   replicaStatus       `json:"replica"`
	Push      *hub.StreamStats    `json:"push,omitempty"`
	Poll      *mirror.PollerStats `json:"poll,omitempty"`
	Writes    mirror.WriterStats  `json:"writes"`
	WSClients int                 `json:"ws_clients"`
}

// replicaStatus summarises the in-memory replica.
type replicaStatus struct {
	Devices        int        `json:"devices"`
	Online         int        `json:"online"`
	Zones          int        `json:"zones"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at,omitempty"`
	DroppedPatches uint64     `json:"dropped_patches"`
}

// handleStatus reports replica size and freshness, push channel state, poll
// results and write coordinator counters in one document.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.store.GetStats()

	resp := statusResponse{
		Status:  "ok",
		Version: s.version,
		Replica: replicaStatus{
			Devices:        stats.TotalDevices,
			Online:         stats.Online,
			Zones:          len(stats.ByZone),
			DroppedPatches: s.store.DroppedPatches(),
		},
		Writes:    s.writer.Stats(),
		WSClients: s.hub.ClientCount(),
	}

	if last := s.store.LastSnapshotAt(); !last.IsZero() {
		resp.Replica.LastSnapshotAt = &last
	}
	if s.stream != nil {
		st := s.stream.Stats()
		resp.Push = &st
		if st.State != hub.StateConnected {
			resp.Status = "degraded"
		}
	}
	if s.poller != nil {
		ps := s.poller.Stats()
		resp.Poll = &ps
	}

	writeJSON(w, http.StatusOK, resp)
}

// handlePushRestart forces an immediate reconnect attempt on the push
// channel, resetting the backoff. Useful when an operator knows the hub is
// reachable again and does not want to wait out the long retry interval.
func (s *Server) handlePushRestart(w http.ResponseWriter, _ *http.Request) {
	if s.stream == nil {
		writeUnavailable(w, "push channel not configured")
		return
	}
	if err := s.stream.Restart(); err != nil {
		writeUnavailable(w, "push channel is shut down")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reconnecting"})
}
