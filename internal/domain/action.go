package domain

import "time"

// ActionType classifies an attempted agent or user operation.
type ActionType string

const (
	ActionRebalance ActionType = "rebalance"
	ActionTransfer  ActionType = "transfer"
	ActionCheck     ActionType = "optimization_check"
)

// ActionStatus is the terminal (or simulated) outcome of an action.
type ActionStatus string

const (
	ActionSuccess   ActionStatus = "success"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
	ActionSimulated ActionStatus = "simulated"
)

// AgentAction is one audit-log row per attempted autonomous or user-triggered
// operation. Rows are append-only; after creation only the terminal status is
// ever filled in.
type AgentAction struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Type         ActionType        `json:"type"`
	Status       ActionStatus      `json:"status"`
	AmountUSD    float64           `json:"amount_usd"`
	FromProtocol Protocol          `json:"from_protocol,omitempty"`
	ToProtocol   Protocol          `json:"to_protocol,omitempty"`
	TxHash       string            `json:"tx_hash,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
