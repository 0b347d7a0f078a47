// internal/api/handlers/status_handler.go
package handlers

import (
	"net/http"
)

type StatusHandler struct {
	tasks TaskService
	ready func() bool
}

// NewStatusHandler reports stats from tasks; ready gates the health check.
func NewStatusHandler(tasks TaskService, ready func() bool) *StatusHandler {
	return &StatusHandler{
		tasks: tasks,
		ready: ready,
	}
}

func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
