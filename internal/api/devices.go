package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hubmirror/internal/device"
	"github.com/nerrad567/hubmirror/internal/mirror"
)

// handleListDevices returns the whole replica, sorted by friendly name.
//
// Query parameters:
//   - zone: return only devices belonging to the named zone
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if zone := r.URL.Query().Get("zone"); zone != "" {
		devices := s.store.ListByZone(zone)
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	devices := s.store.List()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by friendly name.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}

	dev, found := s.store.Get(id)
	if !found {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleSetDeviceState accepts an optimistic write. The properties land in
// the replica before this returns; delivery to the hub is asynchronous,
// hence 202 rather than 200. The response carries the optimistic document.
func (s *Server) handleSetDeviceState(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}

	var props map[string]any
	if err := json.NewDecoder(r.Body).Decode(&props); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(props) == 0 {
		writeBadRequest(w, "at least one property is required")
		return
	}

	if err := s.writer.Write(id, props); err != nil {
		switch {
		case errors.Is(err, device.ErrUnknownDevice):
			writeNotFound(w, "device not found")
		case errors.Is(err, mirror.ErrWriterClosed):
			writeUnavailable(w, "write coordinator is shut down")
		default:
			writeInternalError(w, "failed to queue write")
		}
		return
	}

	dev, _ := s.store.Get(id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"device": dev,
	})
}

// handleRefreshDevice asks the hub to re-read one device from the radio
// network. Fresh values arrive over the push channel, not in this response.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceParam(w, r)
	if !ok {
		return
	}
	if s.upstream == nil {
		writeUnavailable(w, "hub client not configured")
		return
	}
	if _, found := s.store.Get(id); !found {
		writeNotFound(w, "device not found")
		return
	}

	if err := s.upstream.RequestRefresh(r.Context(), id); err != nil {
		s.logger.Warn("refresh request failed", "device", id, "error", err)
		writeBadGateway(w, "hub rejected the refresh request")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "requested",
		"device": id,
	})
}

// deviceParam extracts and unescapes the {device} route parameter. Device
// names may contain slashes, which arrive percent-encoded and survive into
// the routed path.
func deviceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := url.PathUnescape(chi.URLParam(r, "device"))
	if err != nil || id == "" {
		writeBadRequest(w, "invalid device name")
		return "", false
	}
	return id, true
}
