package domain

import "math/big"

// Call is one encoded on-chain call within a batched operation. Value is
// always zero for the agent's operations; no native currency ever moves.
type Call struct {
	To    string
	Value *big.Int
	Data  []byte
}

// ExecutionResult is the delegated executor's structured outcome. Errors are
// carried in Error rather than panicking past the executor boundary.
type ExecutionResult struct {
	Success bool   `json:"success"`
	TxHash  string `json:"tx_hash,omitempty"`
	GasUsed uint64 `json:"gas_used,omitempty"`
	Error   string `json:"error,omitempty"`
}
