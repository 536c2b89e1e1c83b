package domain

import "time"

// SessionType discriminates the two delegated-authority variants.
type SessionType string

const (
	// SessionTypeTransfer grants permission to move the stable asset only.
	SessionTypeTransfer SessionType = "transfer"
	// SessionTypeAgent grants deposit/redeem/withdraw/approve against an
	// explicit allow-list of approved vaults.
	SessionTypeAgent SessionType = "agent"
)

// SessionTTL is the fixed lifetime of a newly created session.
const SessionTTL = 30 * 24 * time.Hour

// PolicyEntry is one (target contract, function selector) pair a session key
// may invoke.
type PolicyEntry struct {
	Target   string `json:"target"`
	Selector string `json:"selector"` // 4-byte selector, 0x-prefixed hex
}

// CallPolicy is the allow-list a session's on-chain capability is scoped to.
// ApproveSpenders additionally restricts ERC-20 approve calls: the decoded
// spender argument must appear in the list, so a session scoped to approve
// on the asset cannot grant allowances to arbitrary contracts.
type CallPolicy struct {
	Entries         []PolicyEntry `json:"entries"`
	ApproveSpenders []string      `json:"approve_spenders,omitempty"`
}

// SignedDelegation is a signed authorization artifact binding the owning
// account to a delegated-execution target on chain. The signature recovers
// to the account whose delegation it sets, so only the owner's wallet can
// produce one.
type SignedDelegation struct {
	ChainID int64  `json:"chain_id"`
	Target  string `json:"target"` // delegation contract; zero address revokes
	Nonce   uint64 `json:"nonce"`
	R       string `json:"r"`
	S       string `json:"s"`
	YParity uint8  `json:"y_parity"`
}

// SessionAuthorization is a persisted, scoped, expiring delegation of signing
// authority. EncryptedKey holds the session key's secret material encrypted
// at rest; the plaintext never leaves the trusted execution boundary and is
// never returned to any caller outside it.
type SessionAuthorization struct {
	Type           SessionType       `json:"type"`
	Owner          string            `json:"owner"`
	SessionAddress string            `json:"session_address"`
	EncryptedKey   []byte            `json:"-"`
	ApprovedVaults []string          `json:"approved_vaults,omitempty"` // agent variant only
	Delegation     *SignedDelegation `json:"delegation,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Expired reports whether the session's expiry has passed at the given time.
func (s SessionAuthorization) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// SessionValidation is the structured result of validating a session. It is
// always returned, never a panic, regardless of how malformed the input is.
type SessionValidation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
