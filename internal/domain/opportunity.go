// Package domain defines the core types and store interfaces shared across
// the yield agent: opportunities, positions, rebalance decisions, session
// authorizations, and the append-only action log.
package domain

// Protocol identifies a supported lending protocol.
type Protocol string

const (
	ProtocolAaveV3     Protocol = "aave_v3"
	ProtocolCompoundV3 Protocol = "compound_v3"
	ProtocolMorpho     Protocol = "morpho"
)

// OpportunityMeta carries free-form display metadata for an opportunity.
type OpportunityMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Curated     bool   `json:"curated,omitempty"`
}

// YieldOpportunity is a snapshot of a place to park stablecoin deposits.
// Opportunities have no persisted identity; they are recomputed on every
// query cycle from on-chain state. APY is an annualized decimal fraction
// (0.05 = 5%), TVL and LiquidityDepth are USD, and RiskScore falls in
// [0,1] with higher meaning riskier.
type YieldOpportunity struct {
	Protocol       Protocol        `json:"protocol"`
	VaultAddress   string          `json:"vault_address"`
	APY            float64         `json:"apy"`
	TVL            float64         `json:"tvl"`
	RiskScore      float64         `json:"risk_score"`
	LiquidityDepth float64         `json:"liquidity_depth"`
	Meta           OpportunityMeta `json:"meta"`
}

// AdjustedAPY returns the risk-normalized yield used to compare
// opportunities: nominal APY discounted by the risk score.
func (o YieldOpportunity) AdjustedAPY() float64 {
	return o.APY * (1 - o.RiskScore)
}
