// Package ratelimit caps how much and how often the agent can move a user's
// funds: a per-operation USD ceiling and a sliding-window count of operations
// per day. Check and record happen in one atomic store operation so two
// concurrent runs cannot both slip under the cap.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablefi/yieldagent/internal/domain"
)

// Store records operations inside the sliding window. Implementations must
// make CheckAndRecord atomic: the count check and the tentative record are a
// single operation.
type Store interface {
	// CheckAndRecord counts records for owner inside the window ending at
	// now. When the count is below max it appends a tentative record and
	// returns its ID; otherwise it returns allowed=false and the oldest
	// in-window record time so the caller can compute when a slot frees.
	CheckAndRecord(ctx context.Context, owner string, max int, window time.Duration, now time.Time) (allowed bool, recordID string, remaining int, oldest time.Time, err error)
	// Remove deletes a tentative record, used when the recorded operation
	// fails and must not count against the user's budget.
	Remove(ctx context.Context, owner, recordID string) error
	// Reset clears all records for owner.
	Reset(ctx context.Context, owner string) error
}

// Decision is the outcome of a limit check. RecordID identifies the
// tentative record so the caller can forgive it on execution failure;
// Remaining is the number of operations left in the window after this one.
type Decision struct {
	Allowed   bool
	RecordID  string
	Remaining int
	ResetAt   time.Time
	Reason    string
}

// Limiter enforces per-operation and per-window limits.
type Limiter struct {
	store       Store
	maxPerOpUSD decimal.Decimal
	maxPerDay   int
	window      time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

type Limits struct {
	MaxPerOpUSD decimal.Decimal
	MaxPerDay   int
	Window      time.Duration
}

func NewLimiter(store Store, limits Limits, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:       store,
		maxPerOpUSD: limits.MaxPerOpUSD,
		maxPerDay:   limits.MaxPerDay,
		window:      limits.Window,
		now:         time.Now,
		logger:      logger.With("component", "ratelimit"),
	}
}

// CheckAndRecord verifies amountUSD against both limits and, when allowed,
// records the operation. Callers must Forgive the returned record if the
// operation subsequently fails; only completed operations count.
func (l *Limiter) CheckAndRecord(ctx context.Context, owner string, amountUSD decimal.Decimal) (Decision, error) {
	if amountUSD.IsNegative() {
		return Decision{}, fmt.Errorf("ratelimit: negative amount for %s", owner)
	}
	if amountUSD.GreaterThan(l.maxPerOpUSD) {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("amount $%s exceeds per-operation limit $%s", amountUSD.StringFixed(2), l.maxPerOpUSD.StringFixed(2)),
		}, nil
	}

	now := l.now()
	allowed, recordID, remaining, oldest, err := l.store.CheckAndRecord(ctx, owner, l.maxPerDay, l.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: check %s: %w", owner, err)
	}
	if !allowed {
		resetAt := oldest.Add(l.window)
		l.logger.Warn("operation rate limited",
			"owner", owner,
			"reset_at", resetAt)
		return Decision{
			Allowed: false,
			ResetAt: resetAt,
			Reason:  fmt.Sprintf("%s: %d operations per %s reached", domain.ErrRateLimited, l.maxPerDay, l.window),
		}, nil
	}

	return Decision{Allowed: true, RecordID: recordID, Remaining: remaining}, nil
}

// Forgive removes a previously recorded operation after a failed execution.
func (l *Limiter) Forgive(ctx context.Context, owner, recordID string) error {
	if recordID == "" {
		return nil
	}
	if err := l.store.Remove(ctx, owner, recordID); err != nil {
		return fmt.Errorf("ratelimit: forgive %s: %w", owner, err)
	}
	return nil
}

// Reset clears the owner's window. Operator tooling only; nothing in the
// request path calls this.
func (l *Limiter) Reset(ctx context.Context, owner string) error {
	if err := l.store.Reset(ctx, owner); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", owner, err)
	}
	return nil
}
