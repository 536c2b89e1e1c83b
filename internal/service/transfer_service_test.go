package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/ratelimit"
)

const (
	testOwner     = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
)

type fakeSessions struct {
	validation domain.SessionValidation
	session    domain.SessionAuthorization
	getErr     error
}

func (f *fakeSessions) Validate(context.Context, string, domain.SessionType) domain.SessionValidation {
	return f.validation
}

func (f *fakeSessions) Get(context.Context, string, domain.SessionType) (domain.SessionAuthorization, error) {
	return f.session, f.getErr
}

func (f *fakeSessions) Policy(*domain.SessionAuthorization) domain.CallPolicy {
	return domain.CallPolicy{}
}

type fakeBuilder struct {
	lastAmount *big.Int
}

func (f *fakeBuilder) Transfer(recipient string, amount *big.Int) ([]domain.Call, error) {
	f.lastAmount = amount
	return []domain.Call{{}}, nil
}

type fakeExecutor struct {
	result     domain.ExecutionResult
	err        error
	simulation bool
	calls      int
}

func (f *fakeExecutor) Execute(context.Context, *domain.SessionAuthorization, domain.CallPolicy, []domain.Call) (domain.ExecutionResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeExecutor) Simulation() bool { return f.simulation }

type fakeLimiter struct {
	decision ratelimit.Decision
	forgiven []string
}

func (f *fakeLimiter) CheckAndRecord(context.Context, string, decimal.Decimal) (ratelimit.Decision, error) {
	return f.decision, nil
}

func (f *fakeLimiter) Forgive(_ context.Context, _ string, recordID string) error {
	f.forgiven = append(f.forgiven, recordID)
	return nil
}

type fakeActions struct {
	created []domain.AgentAction
}

func (f *fakeActions) Create(_ context.Context, action domain.AgentAction) error {
	f.created = append(f.created, action)
	return nil
}

func (f *fakeActions) UpdateStatus(context.Context, string, domain.ActionStatus, string) error {
	return nil
}

func (f *fakeActions) ListByOwner(context.Context, string, domain.ListOpts) ([]domain.AgentAction, error) {
	return nil, nil
}

func (f *fakeActions) ListBefore(context.Context, time.Time) ([]domain.AgentAction, error) {
	return nil, nil
}

func (f *fakeActions) DeleteBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type transferParts struct {
	sessions *fakeSessions
	builder  *fakeBuilder
	executor *fakeExecutor
	limiter  *fakeLimiter
	actions  *fakeActions
}

func newTransferService(t *testing.T) (*TransferService, *transferParts) {
	t.Helper()
	parts := &transferParts{
		sessions: &fakeSessions{validation: domain.SessionValidation{Valid: true}},
		builder:  &fakeBuilder{},
		executor: &fakeExecutor{result: domain.ExecutionResult{Success: true, TxHash: "0xabc"}},
		limiter:  &fakeLimiter{decision: ratelimit.Decision{Allowed: true, RecordID: "rec-1"}},
		actions:  &fakeActions{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewTransferService(parts.sessions, parts.limiter, parts.builder, parts.executor, parts.actions, nil, logger)
	return svc, parts
}

func TestTransferSuccess(t *testing.T) {
	svc, parts := newTransferService(t)

	action, err := svc.Transfer(context.Background(), testOwner, testRecipient, decimal.NewFromFloat(125.50))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if action.Status != domain.ActionSuccess {
		t.Fatalf("status = %s, want success", action.Status)
	}
	if action.TxHash != "0xabc" {
		t.Fatalf("tx hash = %s", action.TxHash)
	}
	// $125.50 in 6-decimal base units.
	if want := big.NewInt(125_500_000); parts.builder.lastAmount.Cmp(want) != 0 {
		t.Fatalf("amount = %s, want %s", parts.builder.lastAmount, want)
	}
	if len(parts.actions.created) != 1 {
		t.Fatalf("expected one recorded action, got %d", len(parts.actions.created))
	}
	if len(parts.limiter.forgiven) != 0 {
		t.Fatalf("successful transfer must keep its rate limit slot")
	}
}

func TestTransferRejectsBadRecipient(t *testing.T) {
	svc, parts := newTransferService(t)

	_, err := svc.Transfer(context.Background(), testOwner, "not-an-address", decimal.NewFromInt(10))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
	if parts.executor.calls != 0 {
		t.Fatalf("invalid input must not reach execution")
	}
}

func TestTransferRejectsNonPositiveAmount(t *testing.T) {
	svc, _ := newTransferService(t)

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		if _, err := svc.Transfer(context.Background(), testOwner, testRecipient, amount); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("amount %s: want ErrValidation, got %v", amount, err)
		}
	}
}

func TestTransferRequiresLiveSession(t *testing.T) {
	svc, parts := newTransferService(t)
	parts.sessions.validation = domain.SessionValidation{Valid: false, Reason: "session expired"}

	_, err := svc.Transfer(context.Background(), testOwner, testRecipient, decimal.NewFromInt(10))
	if !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("want ErrSessionInvalid, got %v", err)
	}
	if parts.executor.calls != 0 {
		t.Fatalf("expired session must not reach execution")
	}
}

func TestTransferRateLimited(t *testing.T) {
	svc, parts := newTransferService(t)
	parts.limiter.decision = ratelimit.Decision{Allowed: false, Reason: "daily cap reached"}

	_, err := svc.Transfer(context.Background(), testOwner, testRecipient, decimal.NewFromInt(10))
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	if parts.executor.calls != 0 {
		t.Fatalf("rate limited transfer must not reach execution")
	}
}

func TestTransferExecutionFailureForgivesSlot(t *testing.T) {
	svc, parts := newTransferService(t)
	parts.executor.result = domain.ExecutionResult{Success: false, Error: "reverted"}

	action, err := svc.Transfer(context.Background(), testOwner, testRecipient, decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("on-chain failure is reported through the action, not the error: %v", err)
	}
	if action.Status != domain.ActionFailed {
		t.Fatalf("status = %s, want failed", action.Status)
	}
	if action.Metadata["error"] != "reverted" {
		t.Fatalf("metadata error = %q", action.Metadata["error"])
	}
	if len(parts.limiter.forgiven) != 1 || parts.limiter.forgiven[0] != "rec-1" {
		t.Fatalf("failed transfer must release its rate limit slot: %v", parts.limiter.forgiven)
	}
	if len(parts.actions.created) != 1 {
		t.Fatalf("failed transfer must still be recorded")
	}
}

func TestTransferSimulationStatus(t *testing.T) {
	svc, parts := newTransferService(t)
	parts.executor.simulation = true

	action, err := svc.Transfer(context.Background(), testOwner, testRecipient, decimal.NewFromInt(10))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if action.Status != domain.ActionSimulated {
		t.Fatalf("status = %s, want simulated", action.Status)
	}
}
