package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stablefi/yieldagent/internal/crypto"
	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/platform/bundler"
)

// fakeChain fails the test if touched when forbidden.
type fakeChain struct {
	t         *testing.T
	forbidden bool
	code      []byte
	nonce     uint64
}

func (f *fakeChain) GetCode(ctx context.Context, addr string) ([]byte, error) {
	f.t.Helper()
	if f.forbidden {
		f.t.Fatalf("chain touched: GetCode(%s)", addr)
	}
	return f.code, nil
}

func (f *fakeChain) TransactionCount(ctx context.Context, addr string) (uint64, error) {
	f.t.Helper()
	if f.forbidden {
		f.t.Fatalf("chain touched: TransactionCount(%s)", addr)
	}
	return f.nonce, nil
}

type fakeRelay struct {
	t         *testing.T
	forbidden bool
	submitted []domain.Call
	auth      *domain.SignedDelegation
	receipt   bundler.Receipt
}

func (f *fakeRelay) SubmitBatch(ctx context.Context, account string, chainID int64, nonce uint64, calls []domain.Call, signature []byte, auth *domain.SignedDelegation) (string, error) {
	f.t.Helper()
	if f.forbidden {
		f.t.Fatalf("relay touched: SubmitBatch")
	}
	if len(signature) != 65 {
		f.t.Fatalf("signature must be 65 bytes, got %d", len(signature))
	}
	f.submitted = calls
	f.auth = auth
	return "0xop", nil
}

func (f *fakeRelay) WaitForReceipt(ctx context.Context, opHash string, timeout, interval time.Duration) (bundler.Receipt, error) {
	f.t.Helper()
	if f.forbidden {
		f.t.Fatalf("relay touched: WaitForReceipt")
	}
	return f.receipt, nil
}

func testSession(t *testing.T, box *crypto.SecretBox) (*domain.SessionAuthorization, domain.CallPolicy) {
	t.Helper()
	key, err := crypto.GenerateSessionKey()
	if err != nil {
		t.Fatalf("GenerateSessionKey: %v", err)
	}
	sealed, err := box.Seal([]byte(key.KeyHex))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	session := &domain.SessionAuthorization{
		Type:           domain.SessionTypeAgent,
		Owner:          account,
		SessionAddress: key.Address,
		EncryptedKey:   sealed,
		ApprovedVaults: []string{vaultA},
		ExpiresAt:      time.Now().Add(domain.SessionTTL),
		CreatedAt:      time.Now(),
	}
	policy := domain.CallPolicy{
		Entries: []domain.PolicyEntry{
			{Target: testAsset, Selector: "0x095ea7b3"},
			{Target: vaultA, Selector: "0x6e553f65"},
			{Target: vaultA, Selector: "0xba087652"},
		},
		ApproveSpenders: []string{vaultA},
	}
	return session, policy
}

func newTestExecutor(chain ChainReader, relay Relay, box *crypto.SecretBox, simulation bool) *Executor {
	return NewExecutor(chain, relay, box, ExecutorOpts{
		ChainID:        84532,
		ReceiptTimeout: time.Second,
		PollInterval:   10 * time.Millisecond,
		Simulation:     simulation,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecuteSimulationTouchesNothing(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	chain := &fakeChain{t: t, forbidden: true}
	relay := &fakeRelay{t: t, forbidden: true}
	exec := newTestExecutor(chain, relay, box, true)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(500_000000))
	result, err := exec.Execute(context.Background(), session, policy, calls)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("simulated execution must succeed")
	}
	if len(result.TxHash) != 66 {
		t.Fatalf("fabricated hash must be 32 bytes hex, got %q", result.TxHash)
	}
}

func TestExecuteSimulationStillEnforcesPolicy(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	exec := newTestExecutor(&fakeChain{t: t, forbidden: true}, &fakeRelay{t: t, forbidden: true}, box, true)

	calls, _ := NewBuilder(testAsset).Deposit(vaultB, account, big.NewInt(1))
	if _, err := exec.Execute(context.Background(), session, policy, calls); err == nil {
		t.Fatalf("out-of-policy batch must fail even in simulation")
	}
}

func TestExecuteHappyPath(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	chain := &fakeChain{t: t, code: []byte{0xef, 0x01, 0x00}, nonce: 7}
	relay := &fakeRelay{t: t, receipt: bundler.Receipt{Status: bundler.StatusIncluded, TxHash: "0xabc", GasUsed: 21000}}
	exec := newTestExecutor(chain, relay, box, false)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(500_000000))
	result, err := exec.Execute(context.Background(), session, policy, calls)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.TxHash != "0xabc" || result.GasUsed != 21000 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(relay.submitted) != 2 {
		t.Fatalf("relay should receive the 2-call batch, got %d", len(relay.submitted))
	}
	if relay.auth != nil {
		t.Fatalf("a deployed account must not re-submit its delegation")
	}
}

func TestExecuteFirstUseAttachesDelegation(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	session.Delegation = &domain.SignedDelegation{
		ChainID: 84532,
		Target:  "0x5555555555555555555555555555555555555555",
		Nonce:   0,
		R:       "0x01",
		S:       "0x02",
		YParity: 1,
	}
	chain := &fakeChain{t: t, code: nil}
	relay := &fakeRelay{t: t, receipt: bundler.Receipt{Status: bundler.StatusIncluded, TxHash: "0xabc"}}
	exec := newTestExecutor(chain, relay, box, false)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(1))
	result, err := exec.Execute(context.Background(), session, policy, calls)
	if err != nil {
		t.Fatalf("first use with a stored delegation must execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	if relay.auth == nil || relay.auth.Target != session.Delegation.Target {
		t.Fatalf("stored delegation must ride along on first use, got %+v", relay.auth)
	}
}

func TestExecuteUndeployedAccountWithoutDelegation(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	chain := &fakeChain{t: t, code: nil}
	relay := &fakeRelay{t: t, forbidden: true}
	exec := newTestExecutor(chain, relay, box, false)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(1))
	_, err = exec.Execute(context.Background(), session, policy, calls)
	if err == nil || !errors.Is(err, domain.ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
}

func TestExecuteExpiredSession(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	session.ExpiresAt = time.Now().Add(-time.Minute)
	exec := newTestExecutor(&fakeChain{t: t, forbidden: true}, &fakeRelay{t: t, forbidden: true}, box, false)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(1))
	_, err = exec.Execute(context.Background(), session, policy, calls)
	if err == nil || !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestExecuteKeyMismatch(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	session.SessionAddress = "0x4444444444444444444444444444444444444444"
	chain := &fakeChain{t: t, code: []byte{0xef}}
	exec := newTestExecutor(chain, &fakeRelay{t: t, forbidden: true}, box, false)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(1))
	_, err = exec.Execute(context.Background(), session, policy, calls)
	if err == nil || !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
}

func TestExecuteFailedReceipt(t *testing.T) {
	box, err := crypto.NewSecretBox("test-password")
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	session, policy := testSession(t, box)
	chain := &fakeChain{t: t, code: []byte{0xef}}
	relay := &fakeRelay{t: t, receipt: bundler.Receipt{Status: bundler.StatusFailed, TxHash: "0xdead", Reason: "execution reverted"}}
	exec := newTestExecutor(chain, relay, box, false)

	calls, _ := NewBuilder(testAsset).Deposit(vaultA, account, big.NewInt(1))
	result, err := exec.Execute(context.Background(), session, policy, calls)
	if err != nil {
		t.Fatalf("failed receipt is a result, not an error: %v", err)
	}
	if result.Success || result.Error != "execution reverted" {
		t.Fatalf("unexpected result: %+v", result)
	}
}
