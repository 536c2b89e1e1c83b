package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/server/middleware"
)

// PrefsHandler serves the caller's agent preference flags.
type PrefsHandler struct {
	prefs  domain.PrefsStore
	logger *slog.Logger
}

func NewPrefsHandler(prefs domain.PrefsStore, logger *slog.Logger) *PrefsHandler {
	return &PrefsHandler{prefs: prefs, logger: logger}
}

// GetPrefs returns the caller's preference flags. Unknown users get the
// zero-value prefs rather than a 404 so the dashboard needs no special case.
// GET /api/prefs
func (h *PrefsHandler) GetPrefs(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	prefs, err := h.prefs.Get(r.Context(), owner)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusOK, domain.UserPrefs{Owner: owner})
			return
		}
		h.logger.ErrorContext(r.Context(), "get prefs failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

type updatePrefsRequest struct {
	AutoOptimize bool `json:"auto_optimize"`
}

// UpdatePrefs sets the caller's auto-optimize flag. Registration is managed
// by the session endpoints, not here.
// PUT /api/prefs
func (h *PrefsHandler) UpdatePrefs(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req updatePrefsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	prefs, err := h.prefs.Get(r.Context(), owner)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "get prefs failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load preferences")
		return
	}
	prefs.Owner = owner
	prefs.AutoOptimize = req.AutoOptimize

	if err := h.prefs.Upsert(r.Context(), prefs); err != nil {
		h.logger.ErrorContext(r.Context(), "update prefs failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}
