package execution

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stablefi/yieldagent/internal/domain"
)

const testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

var (
	vaultA  = "0x1111111111111111111111111111111111111111"
	vaultB  = "0x2222222222222222222222222222222222222222"
	account = "0x3333333333333333333333333333333333333333"
)

func TestDepositBatchOrder(t *testing.T) {
	b := NewBuilder(testAsset)
	calls, err := b.Deposit(vaultA, account, big.NewInt(1000_000000))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].To != testAsset || Selector(calls[0].Data) != "0x095ea7b3" {
		t.Fatalf("call 0 must approve on the asset, got %s %s", calls[0].To, Selector(calls[0].Data))
	}
	if calls[1].To != vaultA || Selector(calls[1].Data) != "0x6e553f65" {
		t.Fatalf("call 1 must deposit on the vault, got %s %s", calls[1].To, Selector(calls[1].Data))
	}
}

func TestRebalanceBatchOrder(t *testing.T) {
	b := NewBuilder(testAsset)
	calls, err := b.Rebalance(vaultA, vaultB, account, big.NewInt(950_000000), big.NewInt(1001_000000))
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}

	// Strict order: redeem from source, approve destination, deposit.
	if calls[0].To != vaultA || Selector(calls[0].Data) != "0xba087652" {
		t.Fatalf("call 0 must redeem from source vault, got %s %s", calls[0].To, Selector(calls[0].Data))
	}
	if calls[1].To != testAsset || Selector(calls[1].Data) != "0x095ea7b3" {
		t.Fatalf("call 1 must approve on the asset, got %s %s", calls[1].To, Selector(calls[1].Data))
	}
	if calls[2].To != vaultB || Selector(calls[2].Data) != "0x6e553f65" {
		t.Fatalf("call 2 must deposit into destination vault, got %s %s", calls[2].To, Selector(calls[2].Data))
	}

	// Unlimited allowance on the approve leg.
	if !bytes.Equal(calls[1].Data[4+32:4+64], encodeUint256(MaxUint256)) {
		t.Fatalf("approve leg must grant MaxUint256")
	}
}

func TestRebalanceRejectsSelfMove(t *testing.T) {
	b := NewBuilder(testAsset)
	if _, err := b.Rebalance(vaultA, vaultA, account, big.NewInt(1), big.NewInt(1)); err == nil {
		t.Fatalf("same-vault rebalance must error")
	}
}

func TestBuilderRejectsNonPositiveAmounts(t *testing.T) {
	b := NewBuilder(testAsset)
	for name, f := range map[string]func() error{
		"deposit zero":    func() error { _, err := b.Deposit(vaultA, account, big.NewInt(0)); return err },
		"deposit nil":     func() error { _, err := b.Deposit(vaultA, account, nil); return err },
		"withdraw zero":   func() error { _, err := b.Withdraw(vaultA, account, big.NewInt(0)); return err },
		"transfer zero":   func() error { _, err := b.Transfer(account, big.NewInt(0)); return err },
		"rebalance zero":  func() error { _, err := b.Rebalance(vaultA, vaultB, account, big.NewInt(0), big.NewInt(1)); return err },
		"rebalance quote": func() error { _, err := b.Rebalance(vaultA, vaultB, account, big.NewInt(1), big.NewInt(0)); return err },
	} {
		if f() == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCheckPolicy(t *testing.T) {
	b := NewBuilder(testAsset)
	calls, err := b.Rebalance(vaultA, vaultB, account, big.NewInt(100), big.NewInt(100))
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}

	policy := domain.CallPolicy{
		Entries: []domain.PolicyEntry{
			{Target: testAsset, Selector: "0x095ea7b3"},
			{Target: vaultA, Selector: "0xba087652"},
			{Target: vaultA, Selector: "0x6e553f65"},
			{Target: vaultB, Selector: "0xba087652"},
			{Target: vaultB, Selector: "0x6e553f65"},
		},
		ApproveSpenders: []string{vaultA, vaultB},
	}
	if err := CheckPolicy(calls, policy); err != nil {
		t.Fatalf("in-policy batch rejected: %v", err)
	}

	// Remove the deposit entry for vaultB: batch must now be rejected.
	narrowed := domain.CallPolicy{Entries: policy.Entries[:4], ApproveSpenders: policy.ApproveSpenders}
	if err := CheckPolicy(calls, narrowed); err == nil {
		t.Fatalf("out-of-policy deposit must be rejected")
	}

	// Target matching is case-insensitive; hex casing must not matter.
	upper := domain.CallPolicy{Entries: make([]domain.PolicyEntry, len(policy.Entries)), ApproveSpenders: policy.ApproveSpenders}
	for i, e := range policy.Entries {
		upper.Entries[i] = domain.PolicyEntry{Target: "0X" + e.Target[2:], Selector: e.Selector}
	}
	if err := CheckPolicy(calls, upper); err != nil {
		t.Fatalf("case-insensitive target match failed: %v", err)
	}
}

func TestCheckPolicyRestrictsApproveSpender(t *testing.T) {
	attacker := "0x9999999999999999999999999999999999999999"
	policy := domain.CallPolicy{
		Entries: []domain.PolicyEntry{
			{Target: testAsset, Selector: "0x095ea7b3"},
			{Target: vaultA, Selector: "0x6e553f65"},
		},
		ApproveSpenders: []string{vaultA},
	}

	allowed := []domain.Call{{To: testAsset, Value: big.NewInt(0), Data: EncodeApprove(vaultA, big.NewInt(100))}}
	if err := CheckPolicy(allowed, policy); err != nil {
		t.Fatalf("approve for an approved vault rejected: %v", err)
	}

	// Same (target, selector) pair, but the spender word names a contract
	// the session was never scoped to.
	hostile := []domain.Call{{To: testAsset, Value: big.NewInt(0), Data: EncodeApprove(attacker, MaxUint256)}}
	if err := CheckPolicy(hostile, policy); err == nil {
		t.Fatalf("approve with an unapproved spender must be rejected")
	}

	// No spender allow-list at all means no approvals, full stop.
	bare := domain.CallPolicy{Entries: policy.Entries}
	if err := CheckPolicy(allowed, bare); err == nil {
		t.Fatalf("approve without a spender allow-list must be rejected")
	}
}
