package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/stablefi/yieldagent/internal/domain"
)

// OpportunitySource provides a live opportunity scan.
type OpportunitySource interface {
	Opportunities(ctx context.Context) []domain.YieldOpportunity
}

// OpportunityCache serves the snapshot the scheduler last wrote.
type OpportunityCache interface {
	Get(ctx context.Context) ([]domain.YieldOpportunity, time.Time, error)
	Set(ctx context.Context, opps []domain.YieldOpportunity, fetchedAt time.Time) error
}

// OpportunityHandler serves the current yield opportunity set, preferring the
// cached snapshot; browser polling must not fan out into RPC calls.
type OpportunityHandler struct {
	source OpportunitySource
	cache  OpportunityCache
	logger *slog.Logger
}

func NewOpportunityHandler(source OpportunitySource, cache OpportunityCache, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{source: source, cache: cache, logger: logger}
}

type opportunitiesResponse struct {
	Opportunities []domain.YieldOpportunity `json:"opportunities"`
	FetchedAt     time.Time                 `json:"fetched_at"`
}

// ListOpportunities returns the latest opportunity snapshot.
// GET /api/opportunities
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.cache != nil {
		opps, fetchedAt, err := h.cache.Get(ctx)
		if err == nil {
			writeJSON(w, http.StatusOK, opportunitiesResponse{Opportunities: opps, FetchedAt: fetchedAt})
			return
		}
	}

	// Cache miss: do a live scan and backfill the snapshot.
	opps := h.source.Opportunities(ctx)
	if opps == nil {
		opps = []domain.YieldOpportunity{}
	}
	fetchedAt := time.Now().UTC()
	if h.cache != nil {
		if err := h.cache.Set(ctx, opps, fetchedAt); err != nil {
			h.logger.WarnContext(ctx, "failed to cache opportunity snapshot",
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, opportunitiesResponse{Opportunities: opps, FetchedAt: fetchedAt})
}
