package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stablefi/yieldagent/internal/domain"
)

const opportunityTTL = 5 * time.Minute

// OpportunityCache holds the latest yield opportunity snapshot as a single
// JSON blob with a short TTL. The scheduler writes it once per batch; the
// opportunities API endpoint serves from it so browser polling never fans
// out into RPC and DefiLlama calls.
type OpportunityCache struct {
	rdb *redis.Client
}

// NewOpportunityCache creates an OpportunityCache backed by the given Client.
func NewOpportunityCache(c *Client) *OpportunityCache {
	return &OpportunityCache{rdb: c.Underlying()}
}

const opportunityKey = "opportunities:latest"

// snapshot wraps the opportunity list with the time it was taken so readers
// can surface staleness.
type snapshot struct {
	Opportunities []domain.YieldOpportunity `json:"opportunities"`
	FetchedAt     time.Time                 `json:"fetched_at"`
}

// Set stores the opportunity snapshot with a 5-minute TTL.
func (oc *OpportunityCache) Set(ctx context.Context, opps []domain.YieldOpportunity, fetchedAt time.Time) error {
	data, err := json.Marshal(snapshot{Opportunities: opps, FetchedAt: fetchedAt})
	if err != nil {
		return fmt.Errorf("redis: marshal opportunities: %w", err)
	}
	if err := oc.rdb.Set(ctx, opportunityKey, data, opportunityTTL).Err(); err != nil {
		return fmt.Errorf("redis: set opportunities: %w", err)
	}
	return nil
}

// Get retrieves the cached snapshot. It returns domain.ErrNotFound when no
// snapshot exists or the TTL has lapsed.
func (oc *OpportunityCache) Get(ctx context.Context) ([]domain.YieldOpportunity, time.Time, error) {
	data, err := oc.rdb.Get(ctx, opportunityKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, time.Time{}, domain.ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("redis: get opportunities: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: unmarshal opportunities: %w", err)
	}
	return snap.Opportunities, snap.FetchedAt, nil
}
