// Package scheduler drives the periodic optimization run: it fans out over
// all registered users, holds a distributed lock per user, and walks each one
// through the safety gate, decision engine, rate limiter, and executor.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/oracle"
	"github.com/stablefi/yieldagent/internal/ratelimit"
)

// Sessions is the session surface the runner needs. Satisfied by
// *session.Manager.
type Sessions interface {
	Validate(ctx context.Context, owner string, typ domain.SessionType) domain.SessionValidation
	Get(ctx context.Context, owner string, typ domain.SessionType) (domain.SessionAuthorization, error)
	Policy(session *domain.SessionAuthorization) domain.CallPolicy
}

// Market reads opportunities, positions and balances. Satisfied by
// *protocol.Registry.
type Market interface {
	Opportunities(ctx context.Context) []domain.YieldOpportunity
	Positions(ctx context.Context, account string, opps []domain.YieldOpportunity) []domain.Position
	IdleBalance(ctx context.Context, account string) (int64, error)
}

// Decider scores a user's state. Satisfied by *engine.Engine.
type Decider interface {
	Evaluate(positions []domain.Position, opps []domain.YieldOpportunity, balance int64) domain.RebalanceDecision
}

// Gate is the pre-execution safety check. Satisfied by *oracle.Gate.
type Gate interface {
	Check(ctx context.Context) (oracle.Report, error)
}

// Builder turns decisions into call batches. Satisfied by
// *execution.Builder.
type Builder interface {
	Deposit(vault, account string, amount *big.Int) ([]domain.Call, error)
	Rebalance(fromVault, toVault, account string, shares, expectedAssets *big.Int) ([]domain.Call, error)
}

// Executor runs call batches. Satisfied by *execution.Executor.
type Executor interface {
	Execute(ctx context.Context, session *domain.SessionAuthorization, policy domain.CallPolicy, calls []domain.Call) (domain.ExecutionResult, error)
	Simulation() bool
}

// Limiter guards per-user operation budgets. Satisfied by
// *ratelimit.Limiter.
type Limiter interface {
	CheckAndRecord(ctx context.Context, owner string, amountUSD decimal.Decimal) (ratelimit.Decision, error)
	Forgive(ctx context.Context, owner, recordID string) error
}

// Notifier receives human-facing events. Satisfied by *notify.Notifier; may
// be nil.
type Notifier interface {
	RebalanceExecuted(ctx context.Context, action domain.AgentAction, netGain float64)
	MarketUnsafe(ctx context.Context, reason string)
}

// Outcome classifies one user's run.
type Outcome string

const (
	OutcomeRebalanced Outcome = "rebalanced"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeError      Outcome = "error"
)

// UserResult is the per-user line of a run summary.
type UserResult struct {
	Owner   string  `json:"owner"`
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	TxHash  string  `json:"tx_hash,omitempty"`
	NetGain float64 `json:"net_gain,omitempty"`
}

// Summary aggregates one optimization run.
type Summary struct {
	Processed  int           `json:"processed"`
	Rebalanced int           `json:"rebalanced"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Details    []UserResult  `json:"details"`
	Duration   time.Duration `json:"duration"`
}

// Opts bounds a run.
type Opts struct {
	LockTTL     time.Duration
	UserTimeout time.Duration
	MaxParallel int
}

// Runner executes optimization runs.
type Runner struct {
	prefs    domain.PrefsStore
	actions  domain.ActionStore
	sessions Sessions
	market   Market
	decider  Decider
	gate     Gate
	builder  Builder
	executor Executor
	limiter  Limiter
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	opts     Opts
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewRunner(
	prefs domain.PrefsStore,
	actions domain.ActionStore,
	sessions Sessions,
	market Market,
	decider Decider,
	gate Gate,
	builder Builder,
	executor Executor,
	limiter Limiter,
	locks domain.LockManager,
	bus domain.SignalBus,
	notifier Notifier,
	opts Opts,
	logger *slog.Logger,
) *Runner {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	return &Runner{
		prefs:    prefs,
		actions:  actions,
		sessions: sessions,
		market:   market,
		decider:  decider,
		gate:     gate,
		builder:  builder,
		executor: executor,
		limiter:  limiter,
		locks:    locks,
		bus:      bus,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With("component", "scheduler"),
	}
}

// RunBatch executes one optimization run over all registered users. Overlapping
// runs are rejected: a cron tick that fires while the previous run is still
// working returns an error instead of doubling up.
func (r *Runner) RunBatch(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Summary{}, fmt.Errorf("scheduler: %w", domain.ErrRunInProgress)
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := time.Now()

	// 1. Safety first. An unsafe market skips the entire run; individual
	// users are not even considered. Each user re-checks the gate under
	// their own lock, this batch-level check only fails fast.
	report, err := r.gate.Check(ctx)
	if err != nil {
		r.logger.Error("safety check failed", "error", err)
	}
	if !report.Safe {
		r.logger.Warn("run skipped, market unsafe", "reason", report.Reason)
		if r.notifier != nil {
			r.notifier.MarketUnsafe(ctx, report.Reason)
		}
		return Summary{Duration: time.Since(start)}, fmt.Errorf("scheduler: %w: %s", domain.ErrUnsafeMarket, report.Reason)
	}

	// 2. The opportunity set is shared by every user in the run; reading
	// it once keeps the run O(users) in RPC calls, not O(users * vaults).
	opps := r.market.Opportunities(ctx)

	users, err := r.prefs.ListRegistered(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("scheduler: listing registered users: %w", err)
	}
	r.logger.Info("run started", "registered", len(users), "opportunities", len(opps))

	var (
		smu     sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxParallel)

	for _, user := range users {
		g.Go(func() error {
			userCtx, cancel := context.WithTimeout(gctx, r.opts.UserTimeout)
			defer cancel()

			var result UserResult
			if !user.AutoOptimize {
				result = r.skip(userCtx, user.Owner, "auto-optimize disabled")
			} else {
				result = r.runUser(userCtx, user.Owner, opps)
			}

			smu.Lock()
			defer smu.Unlock()
			summary.Processed++
			summary.Details = append(summary.Details, result)
			switch result.Outcome {
			case OutcomeRebalanced:
				summary.Rebalanced++
			case OutcomeSkipped:
				summary.Skipped++
			case OutcomeError:
				summary.Errors++
			}
			// Per-user failures never abort the run.
			return nil
		})
	}
	g.Wait()

	summary.Duration = time.Since(start)
	r.logger.Info("run finished",
		"processed", summary.Processed,
		"rebalanced", summary.Rebalanced,
		"skipped", summary.Skipped,
		"errors", summary.Errors,
		"duration", summary.Duration)
	return summary, nil
}

// runUser walks one user through the pipeline. Every return path produces a
// UserResult; error outcomes carry the failure reason.
func (r *Runner) runUser(ctx context.Context, owner string, opps []domain.YieldOpportunity) UserResult {
	unlock, err := r.locks.Acquire(ctx, "agent:run:"+owner, r.opts.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return UserResult{Owner: owner, Outcome: OutcomeSkipped, Reason: "run in progress elsewhere"}
		}
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: fmt.Sprintf("lock: %v", err)}
	}
	defer unlock()

	// The batch-level verdict can be minutes old by the time a user deep in
	// the queue gets their turn, so the gate is re-read under the lock.
	report, err := r.gate.Check(ctx)
	if err != nil {
		r.logger.Error("safety check failed", "owner", owner, "error", err)
	}
	if !report.Safe {
		return r.skip(ctx, owner, "market unsafe: "+report.Reason)
	}

	if v := r.sessions.Validate(ctx, owner, domain.SessionTypeAgent); !v.Valid {
		return r.skip(ctx, owner, "session: "+v.Reason)
	}

	positions := r.market.Positions(ctx, owner, opps)
	balance, err := r.market.IdleBalance(ctx, owner)
	if err != nil {
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: fmt.Sprintf("balance: %v", err)}
	}

	decision := r.decider.Evaluate(positions, opps, balance)
	if !decision.ShouldRebalance {
		return r.skip(ctx, owner, decision.Reason)
	}

	amountUSD := float64(balance) / 1e6
	if decision.From != nil {
		amountUSD = decision.From.AmountUSD()
	}

	limit, err := r.limiter.CheckAndRecord(ctx, owner, decimal.NewFromFloat(amountUSD))
	if err != nil {
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: fmt.Sprintf("rate limit: %v", err)}
	}
	if !limit.Allowed {
		return r.skip(ctx, owner, limit.Reason)
	}

	result := r.execute(ctx, owner, decision, amountUSD, balance)
	if result.Outcome != OutcomeRebalanced {
		// Failed executions hand their budget slot back.
		if ferr := r.limiter.Forgive(ctx, owner, limit.RecordID); ferr != nil {
			r.logger.Error("forgiving rate limit record failed", "owner", owner, "error", ferr)
		}
	}
	return result
}

func (r *Runner) execute(ctx context.Context, owner string, decision domain.RebalanceDecision, amountUSD float64, balance int64) UserResult {
	session, err := r.sessions.Get(ctx, owner, domain.SessionTypeAgent)
	if err != nil {
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: fmt.Sprintf("session: %v", err)}
	}
	policy := r.sessions.Policy(&session)

	var calls []domain.Call
	if decision.From == nil {
		calls, err = r.builder.Deposit(decision.To.VaultAddress, owner, big.NewInt(balance))
	} else {
		calls, err = r.builder.Rebalance(
			decision.From.VaultAddress,
			decision.To.VaultAddress,
			owner,
			big.NewInt(decision.From.Shares),
			big.NewInt(decision.From.Amount),
		)
	}
	if err != nil {
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: fmt.Sprintf("build: %v", err)}
	}

	execResult, err := r.executor.Execute(ctx, &session, policy, calls)

	action := domain.AgentAction{
		ID:         uuid.NewString(),
		Owner:      owner,
		Type:       domain.ActionRebalance,
		AmountUSD:  amountUSD,
		ToProtocol: decision.To.Protocol,
		Metadata: map[string]string{
			"reason":   decision.Reason,
			"net_gain": fmt.Sprintf("%.6f", decision.NetGain),
		},
		CreatedAt: time.Now(),
	}
	if decision.From != nil {
		action.FromProtocol = decision.From.Protocol
	}

	switch {
	case err != nil:
		action.Status = domain.ActionFailed
		action.Metadata["error"] = err.Error()
	case !execResult.Success:
		action.Status = domain.ActionFailed
		action.TxHash = execResult.TxHash
		action.Metadata["error"] = execResult.Error
	case r.executor.Simulation():
		action.Status = domain.ActionSimulated
		action.TxHash = execResult.TxHash
	default:
		action.Status = domain.ActionSuccess
		action.TxHash = execResult.TxHash
	}
	r.record(ctx, action)

	if err != nil {
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: err.Error()}
	}
	if !execResult.Success {
		return UserResult{Owner: owner, Outcome: OutcomeError, Reason: execResult.Error, TxHash: execResult.TxHash}
	}

	if r.notifier != nil {
		r.notifier.RebalanceExecuted(ctx, action, decision.NetGain)
	}
	return UserResult{
		Owner:   owner,
		Outcome: OutcomeRebalanced,
		Reason:  decision.Reason,
		TxHash:  execResult.TxHash,
		NetGain: decision.NetGain,
	}
}

// skip records an optimization_check action so the audit log explains why
// nothing happened.
func (r *Runner) skip(ctx context.Context, owner, reason string) UserResult {
	r.record(ctx, domain.AgentAction{
		ID:        uuid.NewString(),
		Owner:     owner,
		Type:      domain.ActionCheck,
		Status:    domain.ActionSkipped,
		Metadata:  map[string]string{"reason": reason},
		CreatedAt: time.Now(),
	})
	return UserResult{Owner: owner, Outcome: OutcomeSkipped, Reason: reason}
}

func (r *Runner) record(ctx context.Context, action domain.AgentAction) {
	if err := r.actions.Create(ctx, action); err != nil {
		r.logger.Error("recording action failed", "owner", action.Owner, "error", err)
	}
	if r.bus != nil {
		if payload, err := json.Marshal(action); err == nil {
			if err := r.bus.Publish(ctx, domain.ActionsChannel, payload); err != nil {
				r.logger.Debug("publishing action failed", "error", err)
			}
		}
	}
}
