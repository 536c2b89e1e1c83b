// Package execution turns rebalance decisions into ordered call batches and
// executes them through the sponsored relay under a session key.
package execution

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/stablefi/yieldagent/internal/domain"
)

// Builder encodes vault operations into call batches. It is pure: no chain
// access, no clock, no randomness, so every batch can be unit-tested by
// inspecting the calls it produces.
type Builder struct {
	asset string // stable asset ERC-20 address
}

func NewBuilder(stableAsset string) *Builder {
	return &Builder{asset: stableAsset}
}

// Deposit builds the batch for entering a vault with idle balance:
// approve the vault for the exact amount, then deposit with the account as
// receiver so the shares land in the user's own account.
func (b *Builder) Deposit(vault, account string, amount *big.Int) ([]domain.Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("execution: deposit amount must be positive")
	}
	return []domain.Call{
		{To: b.asset, Value: big.NewInt(0), Data: EncodeApprove(vault, amount)},
		{To: vault, Value: big.NewInt(0), Data: EncodeDeposit(amount, account)},
	}, nil
}

// Withdraw builds the batch for exiting a vault completely: redeem all
// shares with the account as both receiver and owner.
func (b *Builder) Withdraw(vault, account string, shares *big.Int) ([]domain.Call, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("execution: withdraw shares must be positive")
	}
	return []domain.Call{
		{To: vault, Value: big.NewInt(0), Data: EncodeRedeem(shares, account, account)},
	}, nil
}

// Rebalance builds the full move batch in strict order: redeem everything
// from the source vault, grant the destination vault an unlimited allowance,
// then deposit the expected proceeds. expectedAssets is the redemption quote
// taken at decision time; any favorable rounding beyond it stays in the
// account as idle balance rather than reverting the batch.
func (b *Builder) Rebalance(fromVault, toVault, account string, shares, expectedAssets *big.Int) ([]domain.Call, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, fmt.Errorf("execution: rebalance shares must be positive")
	}
	if expectedAssets == nil || expectedAssets.Sign() <= 0 {
		return nil, fmt.Errorf("execution: rebalance expected assets must be positive")
	}
	if strings.EqualFold(fromVault, toVault) {
		return nil, fmt.Errorf("execution: rebalance source and destination are the same vault")
	}
	return []domain.Call{
		{To: fromVault, Value: big.NewInt(0), Data: EncodeRedeem(shares, account, account)},
		{To: b.asset, Value: big.NewInt(0), Data: EncodeApprove(toVault, MaxUint256)},
		{To: toVault, Value: big.NewInt(0), Data: EncodeDeposit(expectedAssets, account)},
	}, nil
}

// Transfer builds a plain stable-asset transfer out of the account. Only
// transfer-type sessions may execute this batch; the executor enforces that.
func (b *Builder) Transfer(recipient string, amount *big.Int) ([]domain.Call, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("execution: transfer amount must be positive")
	}
	return []domain.Call{
		{To: b.asset, Value: big.NewInt(0), Data: EncodeTransfer(recipient, amount)},
	}, nil
}

// CheckPolicy verifies every call in the batch against the session's call
// policy: the target and the 4-byte selector must both appear in an entry,
// and approve calls must name a spender on the policy's allow-list. A batch
// that fails here must never reach the relay.
func CheckPolicy(calls []domain.Call, policy domain.CallPolicy) error {
	for i, call := range calls {
		if !policyAllows(policy, call) {
			return fmt.Errorf("execution: call %d (%s %s) outside session policy: %w",
				i, call.To, Selector(call.Data), domain.ErrSessionInvalid)
		}
		if err := checkApproveSpender(policy, call); err != nil {
			return fmt.Errorf("execution: call %d: %w", i, err)
		}
	}
	return nil
}

// checkApproveSpender pins the spender argument of ERC-20 approve calls to
// the policy's allow-list. Matching only (target, selector) would let a
// stolen session key grant the stable asset's allowance to any contract.
func checkApproveSpender(policy domain.CallPolicy, call domain.Call) error {
	if !bytes.HasPrefix(call.Data, selectorApprove) {
		return nil
	}
	if len(call.Data) < 4+32 {
		return fmt.Errorf("truncated approve calldata: %w", domain.ErrSessionInvalid)
	}
	spender := "0x" + hex.EncodeToString(call.Data[16:36])
	for _, allowed := range policy.ApproveSpenders {
		if strings.EqualFold(allowed, spender) {
			return nil
		}
	}
	return fmt.Errorf("approve spender %s outside session policy: %w", spender, domain.ErrSessionInvalid)
}

func policyAllows(policy domain.CallPolicy, call domain.Call) bool {
	sel := Selector(call.Data)
	for _, entry := range policy.Entries {
		if strings.EqualFold(entry.Target, call.To) && strings.EqualFold(entry.Selector, sel) {
			return true
		}
	}
	return false
}
