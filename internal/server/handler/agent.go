package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/scheduler"
)

// BatchRunner runs one scheduler batch over all registered users.
type BatchRunner interface {
	RunBatch(ctx context.Context) (scheduler.Summary, error)
}

// AgentHandler serves the agent trigger endpoint. The trigger is meant for
// operators and infra cron, not end users, so it authenticates with a shared
// secret instead of a user JWT.
type AgentHandler struct {
	runner        BatchRunner
	triggerSecret string
	runTimeout    time.Duration
	logger        *slog.Logger
}

func NewAgentHandler(runner BatchRunner, triggerSecret string, runTimeout time.Duration, logger *slog.Logger) *AgentHandler {
	if runTimeout <= 0 {
		runTimeout = 10 * time.Minute
	}
	return &AgentHandler{
		runner:        runner,
		triggerSecret: triggerSecret,
		runTimeout:    runTimeout,
		logger:        logger,
	}
}

// TriggerRun executes one optimization batch and returns its summary. The
// secret is checked before any processing. The run holds the request open
// until it finishes, so the write deadline is pushed past the run timeout;
// callers that cannot wait should rely on the cron schedule instead.
// POST /api/agent/run
func (h *AgentHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if h.triggerSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "agent trigger not configured")
		return
	}

	secret := strings.TrimSpace(r.Header.Get("X-Agent-Secret"))
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.triggerSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid trigger secret")
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(h.runTimeout + time.Minute))

	ctx, cancel := context.WithTimeout(r.Context(), h.runTimeout)
	defer cancel()

	summary, err := h.runner.RunBatch(ctx)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			writeError(w, http.StatusConflict, "a run is already in progress")
		case errors.Is(err, domain.ErrUnsafeMarket):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("triggered batch failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "batch run failed")
		}
		return
	}

	h.logger.Info("triggered batch finished",
		slog.Int("processed", summary.Processed),
		slog.Int("rebalanced", summary.Rebalanced),
		slog.Int("skipped", summary.Skipped),
		slog.Int("errors", summary.Errors),
		slog.Duration("duration", summary.Duration),
	)
	writeJSON(w, http.StatusOK, summary)
}
