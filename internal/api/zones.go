package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// handleListZones returns the zone names present across the replica.
func (s *Server) handleListZones(w http.ResponseWriter, _ *http.Request) {
	zones := s.store.Zones()
	writeJSON(w, http.StatusOK, map[string]any{"zones": zones, "count": len(zones)})
}

// handleListZoneDevices returns the devices belonging to one zone. Zones
// are plain labels on devices, so an unknown zone is an empty list rather
// than a 404.
func (s *Server) handleListZoneDevices(w http.ResponseWriter, r *http.Request) {
	zone, err := url.PathUnescape(chi.URLParam(r, "zone"))
	if err != nil || zone == "" {
		writeBadRequest(w, "invalid zone name")
		return
	}

	devices := s.store.ListByZone(zone)
	writeJSON(w, http.StatusOK, map[string]any{
		"zone":    zone,
		"devices": devices,
		"count":   len(devices),
	})
}
