package domain

import "time"

// AssetDecimals is the smallest-unit convention for the stable asset
// (USDC-style 6 decimals).
const AssetDecimals = 6

// Position is a user's stake in one vault. Amount is denominated in the
// stable asset's smallest unit (6 decimals); Shares is the vault share count
// in the vault's own smallest unit.
type Position struct {
	Protocol     Protocol  `json:"protocol"`
	VaultAddress string    `json:"vault_address"`
	Shares       int64     `json:"shares"`
	Amount       int64     `json:"amount"`
	EntryAPY     float64   `json:"entry_apy"`
	EnteredAt    time.Time `json:"entered_at"`
}

// AmountUSD converts the smallest-unit amount to a USD value, assuming the
// stable asset holds its peg.
func (p Position) AmountUSD() float64 {
	return float64(p.Amount) / 1e6
}
