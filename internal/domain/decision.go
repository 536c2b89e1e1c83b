package domain

// RebalanceDecision is the decision engine's output for one evaluation. It is
// ephemeral: recomputed per cycle and only logged as an AgentAction after
// execution, never treated as authoritative state.
type RebalanceDecision struct {
	ShouldRebalance   bool              `json:"should_rebalance"`
	From              *Position         `json:"from,omitempty"`
	To                *YieldOpportunity `json:"to,omitempty"`
	EstimatedCostUSD  float64           `json:"estimated_cost_usd"`
	EstimatedSlippage float64           `json:"estimated_slippage"`
	NetGain           float64           `json:"net_gain"` // APY-equivalent fraction after costs
	Reason            string            `json:"reason"`   // always non-empty; audit contract
}
