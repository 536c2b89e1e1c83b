package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/server/middleware"
)

// SessionManager is the slice of the session lifecycle the HTTP layer needs.
type SessionManager interface {
	Create(ctx context.Context, owner string, typ domain.SessionType, approvedVaults []string, delegation *domain.SignedDelegation) (*domain.SessionAuthorization, error)
	Get(ctx context.Context, owner string, typ domain.SessionType) (domain.SessionAuthorization, error)
	Revoke(ctx context.Context, owner string, typ domain.SessionType) error
	RevokeOnChain(ctx context.Context, owner string, typ domain.SessionType, revocation *domain.SignedDelegation) (*domain.SignedDelegation, error)
}

// SessionHandler serves session lifecycle endpoints. All routes sit behind
// the JWT middleware; the owner always comes from the token, never the body,
// so a user can only manage their own sessions.
type SessionHandler struct {
	sessions SessionManager
	prefs    domain.PrefsStore
	logger   *slog.Logger
}

func NewSessionHandler(sessions SessionManager, prefs domain.PrefsStore, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, prefs: prefs, logger: logger}
}

type createSessionRequest struct {
	Type           string                   `json:"type"`
	ApprovedVaults []string                 `json:"approved_vaults"`
	Delegation     *domain.SignedDelegation `json:"delegation"`
}

type revokeSessionRequest struct {
	Revocation *domain.SignedDelegation `json:"revocation"`
}

// CreateSession creates (or replaces) the caller's session of the given type.
// Creating an agent session also marks the caller agent-registered so the
// scheduler starts considering them.
// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	session, err := h.sessions.Create(r.Context(), owner, domain.SessionType(req.Type), req.ApprovedVaults, req.Delegation)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionType):
			writeError(w, http.StatusBadRequest, "unknown session type: "+req.Type)
		case errors.Is(err, domain.ErrNoApprovedVaults):
			writeError(w, http.StatusBadRequest, "agent sessions require at least one approved vault")
		default:
			h.logger.ErrorContext(r.Context(), "create session failed",
				slog.String("owner", owner),
				slog.String("type", req.Type),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to create session")
		}
		return
	}

	if session.Type == domain.SessionTypeAgent {
		h.setAgentRegistered(r.Context(), owner, true)
	}

	writeJSON(w, http.StatusCreated, session)
}

// GetSession returns the caller's session metadata. The encrypted key never
// serializes.
// GET /api/sessions/{type}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	session, err := h.sessions.Get(r.Context(), owner, domain.SessionType(r.PathValue("type")))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get session failed",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// DeleteSession revokes the caller's session of the given type. With
// ?onchain=true the body must carry a wallet-signed delegation-to-zero
// artifact; the verified artifact is echoed back for the client to submit,
// severing the account's delegation on chain.
// DELETE /api/sessions/{type}
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	typ := domain.SessionType(r.PathValue("type"))
	onchain := r.URL.Query().Get("onchain") == "true"

	var (
		revocation *domain.SignedDelegation
		err        error
	)
	if onchain {
		var req revokeSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "on-chain revocation needs a signed artifact in the body: "+err.Error())
			return
		}
		revocation, err = h.sessions.RevokeOnChain(r.Context(), owner, typ, req.Revocation)
	} else {
		err = h.sessions.Revoke(r.Context(), owner, typ)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if errors.Is(err, domain.ErrBadRevocation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "revoke session failed",
			slog.String("owner", owner),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to revoke session")
		return
	}

	if typ == domain.SessionTypeAgent {
		h.setAgentRegistered(r.Context(), owner, false)
	}

	resp := map[string]any{"status": "revoked", "type": string(typ)}
	if revocation != nil {
		resp["revocation"] = revocation
	}
	writeJSON(w, http.StatusOK, resp)
}

// setAgentRegistered flips the registration flag while preserving the user's
// auto-optimize choice. Failures only log: session state is authoritative and
// the scheduler re-validates sessions anyway.
func (h *SessionHandler) setAgentRegistered(ctx context.Context, owner string, registered bool) {
	prefs, err := h.prefs.Get(ctx, owner)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.logger.WarnContext(ctx, "failed to load prefs",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		return
	}
	prefs.Owner = owner
	prefs.AgentRegistered = registered
	if err := h.prefs.Upsert(ctx, prefs); err != nil {
		h.logger.WarnContext(ctx, "failed to update prefs",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
	}
}
