package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	simulation bool
	logger     *slog.Logger
}

// NewHealthHandler creates a HealthHandler. The simulation flag is surfaced
// so dashboards can tell a dry-run deployment from a live one.
func NewHealthHandler(simulation bool, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{simulation: simulation, logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"simulation": h.simulation,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
