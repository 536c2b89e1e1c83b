package handler

import (
	"log/slog"
	"net/http"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/server/middleware"
)

// ActionHandler serves the authenticated user's action history.
type ActionHandler struct {
	actions domain.ActionStore
	logger  *slog.Logger
}

func NewActionHandler(actions domain.ActionStore, logger *slog.Logger) *ActionHandler {
	return &ActionHandler{actions: actions, logger: logger}
}

type listActionsResponse struct {
	Actions []domain.AgentAction `json:"actions"`
}

// ListActions returns the caller's action log, newest first.
// GET /api/actions?limit=50&offset=0&since=...&until=...
func (h *ActionHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	actions, err := h.actions.ListByOwner(r.Context(), owner, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list actions failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list actions")
		return
	}

	if actions == nil {
		actions = []domain.AgentAction{}
	}
	writeJSON(w, http.StatusOK, listActionsResponse{Actions: actions})
}
