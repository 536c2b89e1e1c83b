// Package protocol reads yield and position state from the supported lending
// protocols. Each adapter covers one protocol's canonical stable-asset vault;
// the registry aggregates them and isolates per-adapter failures so one
// broken feed never blinds the agent to the others.
package protocol

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"github.com/stablefi/yieldagent/internal/domain"
	"github.com/stablefi/yieldagent/internal/execution"
)

// Adapter reads one protocol's vault.
type Adapter interface {
	Protocol() domain.Protocol
	VaultAddress() string
	// Opportunity returns the vault's current yield snapshot.
	Opportunity(ctx context.Context) (domain.YieldOpportunity, error)
	// Shares returns the account's share balance and its current value in
	// asset units. Zero shares means no position.
	Shares(ctx context.Context, account string) (shares, assets *big.Int, err error)
}

// EthCaller is the chain read surface adapters need. Satisfied by
// *ethrpc.Client.
type EthCaller interface {
	EthCall(ctx context.Context, to string, calldata []byte) ([]byte, error)
}

// Registry aggregates adapters.
type Registry struct {
	adapters []Adapter
	chain    EthCaller
	asset    string
	logger   *slog.Logger
}

func NewRegistry(chain EthCaller, stableAsset string, adapters []Adapter, logger *slog.Logger) *Registry {
	return &Registry{
		adapters: adapters,
		chain:    chain,
		asset:    stableAsset,
		logger:   logger.With("component", "protocol"),
	}
}

// Opportunities collects yield snapshots from every adapter. A failing
// adapter is logged and skipped; the remaining snapshots are still returned.
func (r *Registry) Opportunities(ctx context.Context) []domain.YieldOpportunity {
	opps := make([]domain.YieldOpportunity, 0, len(r.adapters))
	for _, a := range r.adapters {
		opp, err := a.Opportunity(ctx)
		if err != nil {
			r.logger.Warn("opportunity read failed",
				"protocol", a.Protocol(),
				"error", err)
			continue
		}
		opps = append(opps, opp)
	}
	return opps
}

// Positions returns the account's vault positions across all adapters, with
// EntryAPY filled from the matching live opportunity when available. Adapter
// failures are logged and skipped like in Opportunities.
func (r *Registry) Positions(ctx context.Context, account string, opps []domain.YieldOpportunity) []domain.Position {
	var positions []domain.Position
	for _, a := range r.adapters {
		shares, assets, err := a.Shares(ctx, account)
		if err != nil {
			r.logger.Warn("position read failed",
				"protocol", a.Protocol(),
				"owner", account,
				"error", err)
			continue
		}
		if shares == nil || shares.Sign() == 0 {
			continue
		}
		pos := domain.Position{
			Protocol:     a.Protocol(),
			VaultAddress: a.VaultAddress(),
			Shares:       shares.Int64(),
			Amount:       assets.Int64(),
		}
		for _, opp := range opps {
			if opp.Protocol == pos.Protocol || strings.EqualFold(opp.VaultAddress, pos.VaultAddress) {
				pos.EntryAPY = opp.APY
				break
			}
		}
		positions = append(positions, pos)
	}
	return positions
}

// IdleBalance returns the account's uninvested stable-asset balance in asset
// units.
func (r *Registry) IdleBalance(ctx context.Context, account string) (int64, error) {
	out, err := r.chain.EthCall(ctx, r.asset, execution.EncodeBalanceOf(account))
	if err != nil {
		return 0, err
	}
	balance, err := execution.DecodeUint256Result(out)
	if err != nil {
		return 0, err
	}
	return balance.Int64(), nil
}

// ApprovedVaults returns the vault addresses of all registered adapters, the
// default scope for new agent sessions.
func (r *Registry) ApprovedVaults() []string {
	vaults := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		vaults = append(vaults, a.VaultAddress())
	}
	return vaults
}
