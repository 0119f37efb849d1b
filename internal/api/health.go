package api

import (
	"math"
	"net/http"
)

// healthView is the /health response body.
type healthView struct {
	Status     string  `json:"status"`
	Redis      string  `json:"redis"`
	Worker     string  `json:"worker"`
	DiskFreeGB float64 `json:"disk_free_gb"`
}

// handleHealth reports liveness and readiness. Redis being unreachable or
// the disk dropping below the floor makes the service unready (503); a
// missing worker heartbeat only degrades the report.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := healthView{Status: "healthy", Redis: "ok", Worker: "ok"}
	ready := true

	if err := s.store.Ping(r.Context()); err != nil {
		view.Redis = "error: " + err.Error()
		view.Worker = "unknown"
		ready = false
	} else if alive, err := s.store.WorkerAlive(r.Context()); err != nil || !alive {
		view.Worker = "unavailable"
	}

	freeGB, err := s.storage.DiskFreeGB()
	if err != nil {
		ready = false
	} else {
		view.DiskFreeGB = math.Round(freeGB*100) / 100
		if freeGB < float64(s.cfg.MinDiskSpaceGB) {
			ready = false
		}
	}

	if !ready {
		view.Status = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, view)
		return
	}
	if view.Worker != "ok" {
		view.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, view)
}
