// Package service holds the user-facing operation flows that sit between the
// HTTP handlers and the execution layer.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/ratelimit"
)

// Sessions is the slice of the session manager the transfer flow needs.
type Sessions interface {
	Get(ctx context.Context, owner string, typ domain.SessionType) (domain.SessionAuthorization, error)
	Validate(ctx context.Context, owner string, typ domain.SessionType) domain.SessionValidation
	Policy(session *domain.SessionAuthorization) domain.CallPolicy
}

// CallBuilder encodes transfer calldata.
type CallBuilder interface {
	Transfer(recipient string, amount *big.Int) ([]domain.Call, error)
}

// Executor submits a policy-checked batch through the delegated account.
type Executor interface {
	Execute(ctx context.Context, session *domain.SessionAuthorization, policy domain.CallPolicy, calls []domain.Call) (domain.ExecutionResult, error)
	Simulation() bool
}

// Limiter enforces the per-operation and daily fund-movement caps.
type Limiter interface {
	CheckAndRecord(ctx context.Context, owner string, amountUSD decimal.Decimal) (ratelimit.Decision, error)
	Forgive(ctx context.Context, owner, recordID string) error
}

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// stableDecimals converts USD amounts to the stable asset's base units.
const stableDecimals = 6

// TransferService executes user-initiated stable asset transfers through the
// transfer session: session check, rate limit, calldata build, delegated
// execution, then an audit row and a bus event.
type TransferService struct {
	sessions Sessions
	limiter  Limiter
	builder  CallBuilder
	executor Executor
	actions  domain.ActionStore
	bus      domain.SignalBus
	logger   *slog.Logger
}

func NewTransferService(
	sessions Sessions,
	limiter Limiter,
	builder CallBuilder,
	executor Executor,
	actions domain.ActionStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *TransferService {
	return &TransferService{
		sessions: sessions,
		limiter:  limiter,
		builder:  builder,
		executor: executor,
		actions:  actions,
		bus:      bus,
		logger:   logger.With("component", "transfer"),
	}
}

// Transfer moves amountUSD of the stable asset from the owner's account to
// the recipient. The returned action carries the terminal status; the error
// is non-nil only when the transfer did not reach execution.
func (s *TransferService) Transfer(ctx context.Context, owner, recipient string, amountUSD decimal.Decimal) (domain.AgentAction, error) {
	// 1. Validate inputs before touching any state.
	if !addressRe.MatchString(recipient) {
		return domain.AgentAction{}, fmt.Errorf("service: invalid recipient address: %w", domain.ErrValidation)
	}
	if !amountUSD.IsPositive() {
		return domain.AgentAction{}, fmt.Errorf("service: transfer amount must be positive: %w", domain.ErrValidation)
	}

	// 2. The transfer session must be live; its policy scopes the key to the
	// stable asset's transfer selector only.
	if v := s.sessions.Validate(ctx, owner, domain.SessionTypeTransfer); !v.Valid {
		return domain.AgentAction{}, fmt.Errorf("service: transfer session: %s: %w", v.Reason, domain.ErrSessionInvalid)
	}

	// 3. Rate limit check records a tentative slot that is forgiven below if
	// execution fails.
	decision, err := s.limiter.CheckAndRecord(ctx, owner, amountUSD)
	if err != nil {
		return domain.AgentAction{}, fmt.Errorf("service: rate limit check: %w", err)
	}
	if !decision.Allowed {
		return domain.AgentAction{}, fmt.Errorf("service: %s: %w", decision.Reason, domain.ErrRateLimited)
	}

	session, err := s.sessions.Get(ctx, owner, domain.SessionTypeTransfer)
	if err != nil {
		s.forgive(ctx, owner, decision.RecordID)
		return domain.AgentAction{}, fmt.Errorf("service: load transfer session: %w", err)
	}
	policy := s.sessions.Policy(&session)

	amount := amountUSD.Shift(stableDecimals).BigInt()
	calls, err := s.builder.Transfer(recipient, amount)
	if err != nil {
		s.forgive(ctx, owner, decision.RecordID)
		return domain.AgentAction{}, fmt.Errorf("service: build transfer: %w", err)
	}

	amountFloat, _ := amountUSD.Float64()
	action := domain.AgentAction{
		ID:        uuid.New().String(),
		Owner:     owner,
		Type:      domain.ActionTransfer,
		Status:    domain.ActionFailed,
		AmountUSD: amountFloat,
		Metadata:  map[string]string{"recipient": recipient},
		CreatedAt: time.Now().UTC(),
	}

	result, err := s.executor.Execute(ctx, &session, policy, calls)
	if err != nil {
		s.forgive(ctx, owner, decision.RecordID)
		action.Metadata["error"] = err.Error()
		s.record(ctx, action)
		return action, fmt.Errorf("service: execute transfer: %w", err)
	}
	if !result.Success {
		s.forgive(ctx, owner, decision.RecordID)
		action.TxHash = result.TxHash
		action.Metadata["error"] = result.Error
		s.record(ctx, action)
		return action, nil
	}

	action.TxHash = result.TxHash
	if s.executor.Simulation() {
		action.Status = domain.ActionSimulated
	} else {
		action.Status = domain.ActionSuccess
	}
	s.record(ctx, action)

	s.logger.InfoContext(ctx, "transfer executed",
		slog.String("owner", owner),
		slog.String("recipient", recipient),
		slog.String("amount_usd", amountUSD.StringFixed(2)),
		slog.String("tx_hash", result.TxHash),
	)
	return action, nil
}

// forgive releases a tentative rate limit slot; failures here only log since
// the slot expires with the window anyway.
func (s *TransferService) forgive(ctx context.Context, owner, recordID string) {
	if err := s.limiter.Forgive(ctx, owner, recordID); err != nil {
		s.logger.WarnContext(ctx, "failed to release rate limit slot",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TransferService) record(ctx context.Context, action domain.AgentAction) {
	if err := s.actions.Create(ctx, action); err != nil {
		s.logger.ErrorContext(ctx, "failed to record transfer action",
			slog.String("owner", action.Owner),
			slog.String("error", err.Error()),
		)
	}
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ActionsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "failed to publish transfer event",
			slog.String("error", err.Error()),
		)
	}
}
