package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/server/middleware"
)

// TransferExecutor runs a user transfer through the transfer session.
type TransferExecutor interface {
	Transfer(ctx context.Context, owner, recipient string, amountUSD decimal.Decimal) (domain.AgentAction, error)
}

// TransferHandler serves the user-initiated transfer endpoint.
type TransferHandler struct {
	transfers TransferExecutor
	logger    *slog.Logger
}

func NewTransferHandler(transfers TransferExecutor, logger *slog.Logger) *TransferHandler {
	return &TransferHandler{transfers: transfers, logger: logger}
}

type transferRequest struct {
	Recipient string          `json:"recipient"`
	AmountUSD decimal.Decimal `json:"amount_usd"`
}

// Transfer moves stable asset from the caller's account to a recipient.
// POST /api/transfer
func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	owner, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	action, err := h.transfers.Transfer(r.Context(), owner, req.Recipient, req.AmountUSD)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrSessionInvalid), errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusForbidden, "no valid transfer session")
		case errors.Is(err, domain.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "transfer failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "transfer failed")
		}
		return
	}

	status := http.StatusOK
	if action.Status == domain.ActionFailed {
		// Execution reached the chain but did not succeed; the action row
		// carries the reason.
		status = http.StatusBadGateway
	}
	writeJSON(w, status, action)
}
