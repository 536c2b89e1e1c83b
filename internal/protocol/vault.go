package protocol

import (
	"context"
	"fmt"
	"math/big"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/execution"
)

// YieldSource provides off-chain APY enrichment. Satisfied by
// *defillama.Client.
type YieldSource interface {
	PoolYield(ctx context.Context, project, chain, symbol string) (apy, tvlUSD float64, err error)
}

// VaultAdapter reads any ERC-4626 stable-asset vault: share balances and TVL
// come from the chain, APY from the yield source. Risk scores are static per
// protocol; they encode audit maturity and collateral model rather than
// anything observable on-chain.
type VaultAdapter struct {
	protocol  domain.Protocol
	vault     string
	project   string // DefiLlama project slug
	chainName string // DefiLlama chain name
	symbol    string
	riskScore float64
	chain     EthCaller
	yields    YieldSource
}

func NewVaultAdapter(protocol domain.Protocol, vault, project, chainName, symbol string, riskScore float64, chain EthCaller, yields YieldSource) *VaultAdapter {
	return &VaultAdapter{
		protocol:  protocol,
		vault:     vault,
		project:   project,
		chainName: chainName,
		symbol:    symbol,
		riskScore: riskScore,
		chain:     chain,
		yields:    yields,
	}
}

// NewAaveV3 builds the adapter for Aave's stata-token ERC-4626 wrapper.
func NewAaveV3(vault, chainName, symbol string, chain EthCaller, yields YieldSource) *VaultAdapter {
	return NewVaultAdapter(domain.ProtocolAaveV3, vault, "aave-v3", chainName, symbol, 0.05, chain, yields)
}

// NewCompoundV3 builds the adapter for Compound's cToken ERC-4626 wrapper.
func NewCompoundV3(vault, chainName, symbol string, chain EthCaller, yields YieldSource) *VaultAdapter {
	return NewVaultAdapter(domain.ProtocolCompoundV3, vault, "compound-v3", chainName, symbol, 0.08, chain, yields)
}

// NewMorpho builds the adapter for a curated Morpho vault.
func NewMorpho(vault, chainName, symbol string, chain EthCaller, yields YieldSource) *VaultAdapter {
	return NewVaultAdapter(domain.ProtocolMorpho, vault, "morpho-blue", chainName, symbol, 0.15, chain, yields)
}

func (a *VaultAdapter) Protocol() domain.Protocol { return a.protocol }
func (a *VaultAdapter) VaultAddress() string      { return a.vault }

func (a *VaultAdapter) Opportunity(ctx context.Context) (domain.YieldOpportunity, error) {
	apy, llamaTVL, err := a.yields.PoolYield(ctx, a.project, a.chainName, a.symbol)
	if err != nil {
		return domain.YieldOpportunity{}, fmt.Errorf("protocol/%s: yield source: %w", a.protocol, err)
	}

	totalAssets, err := a.totalAssets(ctx)
	if err != nil {
		return domain.YieldOpportunity{}, fmt.Errorf("protocol/%s: total assets: %w", a.protocol, err)
	}
	vaultTVL := float64(totalAssets.Int64()) / 1e6

	return domain.YieldOpportunity{
		Protocol:     a.protocol,
		VaultAddress: a.vault,
		APY:          apy,
		TVL:          llamaTVL,
		RiskScore:    a.riskScore,
		// Exits compete for the vault's own assets, not the whole
		// market's, so depth is the vault TVL.
		LiquidityDepth: vaultTVL,
	}, nil
}

func (a *VaultAdapter) Shares(ctx context.Context, account string) (*big.Int, *big.Int, error) {
	out, err := a.chain.EthCall(ctx, a.vault, execution.EncodeBalanceOf(account))
	if err != nil {
		return nil, nil, fmt.Errorf("protocol/%s: balance of %s: %w", a.protocol, account, err)
	}
	shares, err := execution.DecodeUint256Result(out)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol/%s: %w", a.protocol, err)
	}
	if shares.Sign() == 0 {
		return shares, big.NewInt(0), nil
	}

	out, err = a.chain.EthCall(ctx, a.vault, execution.EncodeConvertToAssets(shares))
	if err != nil {
		return nil, nil, fmt.Errorf("protocol/%s: convert to assets: %w", a.protocol, err)
	}
	assets, err := execution.DecodeUint256Result(out)
	if err != nil {
		return nil, nil, fmt.Errorf("protocol/%s: %w", a.protocol, err)
	}
	return shares, assets, nil
}

func (a *VaultAdapter) totalAssets(ctx context.Context) (*big.Int, error) {
	out, err := a.chain.EthCall(ctx, a.vault, execution.EncodeTotalAssets())
	if err != nil {
		return nil, err
	}
	return execution.DecodeUint256Result(out)
}
