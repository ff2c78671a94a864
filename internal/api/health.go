package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

// healthResponse reports whether the fixture can take new sessions.
type healthResponse struct {
	Status        string   `json:"status"`
	Store         string   `json:"store"`
	StoreError    string   `json:"store_error,omitempty"`
	Sessions      int      `json:"sessions"`
	ResourcesHeld int      `json:"resources_held"`
	Suites        []string `json:"suites"`
	Devices       int      `json:"devices"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

// handleHealthz answers 503 when finished runs could not be recorded.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		Store:         "ok",
		Sessions:      len(s.engine.Sessions()),
		Suites:        s.suites.Names(),
		Devices:       len(s.devices.UIDs()),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	for _, res := range s.engine.Locks().List() {
		if res.Holder != "" {
			resp.ResourcesHeld++
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: store unreachable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		resp.StoreError = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
