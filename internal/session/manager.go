// Package session manages delegated signing authority: creation, scoping,
// validation, and revocation of session keys. Secret material is generated
// here, sealed immediately, and never handed back to callers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stablefi/yieldagent/internal/crypto"
	"github.com/stablefi/yieldagent/internal/domain"
)

// zeroAddress as a delegation target revokes the account's delegation.
const zeroAddress = "0x0000000000000000000000000000000000000000"

// ERC-20 / ERC-4626 selectors a session scope may grant.
const (
	selApprove  = "0x095ea7b3"
	selTransfer = "0xa9059cbb"
	selDeposit  = "0x6e553f65"
	selRedeem   = "0xba087652"
	selWithdraw = "0xb460af94"
)

// NonceReader reads the current account nonce, needed when signing a
// revocation. Satisfied by *ethrpc.Client.
type NonceReader interface {
	TransactionCount(ctx context.Context, addr string) (uint64, error)
}

// Manager owns the session lifecycle.
type Manager struct {
	store           domain.SessionStore
	box             *crypto.SecretBox
	chain           NonceReader
	chainID         int64
	stableAsset     string
	allowLegacySudo bool
	now             func() time.Time
	logger          *slog.Logger
}

type ManagerOpts struct {
	ChainID         int64
	StableAsset     string
	AllowLegacySudo bool
}

func NewManager(store domain.SessionStore, box *crypto.SecretBox, chain NonceReader, opts ManagerOpts, logger *slog.Logger) *Manager {
	return &Manager{
		store:           store,
		box:             box,
		chain:           chain,
		chainID:         opts.ChainID,
		stableAsset:     opts.StableAsset,
		allowLegacySudo: opts.AllowLegacySudo,
		now:             time.Now,
		logger:          logger.With("component", "session"),
	}
}

// Create generates a fresh session key, seals it, and persists the session
// in one step; there is never a window where an unscoped or unencrypted
// session exists. Agent sessions require at least one approved vault.
// delegation is the owner's signed delegation authorization, produced by
// their wallet; it may be nil when the account is already delegated.
func (m *Manager) Create(ctx context.Context, owner string, typ domain.SessionType, approvedVaults []string, delegation *domain.SignedDelegation) (*domain.SessionAuthorization, error) {
	switch typ {
	case domain.SessionTypeTransfer, domain.SessionTypeAgent:
	default:
		return nil, fmt.Errorf("session: type %q: %w", typ, domain.ErrSessionType)
	}
	vaults := normalizeVaults(approvedVaults)
	if typ == domain.SessionTypeAgent && len(vaults) == 0 {
		return nil, fmt.Errorf("session: create for %s: %w", owner, domain.ErrNoApprovedVaults)
	}

	key, err := crypto.GenerateSessionKey()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	sealed, err := m.box.Seal([]byte(key.KeyHex))
	if err != nil {
		return nil, fmt.Errorf("session: sealing key: %w", err)
	}

	now := m.now()
	session := &domain.SessionAuthorization{
		Type:           typ,
		Owner:          owner,
		SessionAddress: key.Address,
		EncryptedKey:   sealed,
		ApprovedVaults: vaults,
		Delegation:     delegation,
		ExpiresAt:      now.Add(domain.SessionTTL),
		CreatedAt:      now,
	}
	if err := m.store.Upsert(ctx, *session); err != nil {
		return nil, fmt.Errorf("session: persisting for %s: %w", owner, err)
	}

	m.logger.Info("session created",
		"owner", owner,
		"type", typ,
		"session_address", key.Address,
		"vaults", len(session.ApprovedVaults),
		"expires_at", session.ExpiresAt)
	return session, nil
}

// Get returns the stored session of the given type for owner.
func (m *Manager) Get(ctx context.Context, owner string, typ domain.SessionType) (domain.SessionAuthorization, error) {
	session, err := m.store.Get(ctx, owner, typ)
	if err != nil {
		return domain.SessionAuthorization{}, fmt.Errorf("session: get %s: %w", owner, err)
	}
	return session, nil
}

// Validate is total: whatever the stored state looks like, it returns a
// structured verdict and never panics or errors out. Infrastructure failures
// read as invalid, which fails closed.
func (m *Manager) Validate(ctx context.Context, owner string, typ domain.SessionType) domain.SessionValidation {
	if owner == "" {
		return invalid("no owner address")
	}

	session, err := m.store.Get(ctx, owner, typ)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return invalid("no session")
		}
		m.logger.Error("session lookup failed", "owner", owner, "error", err)
		return invalid("session store unavailable")
	}
	// Type discriminator first, then required fields, then expiry, so a
	// malformed row reports the most structural problem it has.
	switch session.Type {
	case domain.SessionTypeTransfer, domain.SessionTypeAgent:
	default:
		return invalid(fmt.Sprintf("unknown session type %q", session.Type))
	}
	if session.SessionAddress == "" || len(session.EncryptedKey) == 0 {
		return invalid("session missing key material")
	}
	if session.ExpiresAt.IsZero() {
		return invalid("session has no expiry")
	}
	if session.Type == domain.SessionTypeAgent && len(session.ApprovedVaults) == 0 {
		// Sessions from before scoped policies carried blanket
		// authority. They only pass when explicitly allowed, and
		// always loudly.
		if !m.allowLegacySudo {
			return invalid("agent session has no approved vaults")
		}
		m.logger.Warn("accepting legacy unscoped session",
			"owner", owner,
			"session_address", session.SessionAddress)
	}
	if session.Expired(m.now()) {
		return invalid("session expired")
	}

	return domain.SessionValidation{Valid: true}
}

// Policy builds the call allow-list for a session. Transfer sessions may
// move the stable asset only; agent sessions get deposit, redeem and
// withdraw on each approved vault plus approve on the asset, with the
// spender pinned to the approved vaults.
func (m *Manager) Policy(session *domain.SessionAuthorization) domain.CallPolicy {
	var policy domain.CallPolicy
	switch session.Type {
	case domain.SessionTypeTransfer:
		policy.Entries = append(policy.Entries, domain.PolicyEntry{Target: m.stableAsset, Selector: selTransfer})
	case domain.SessionTypeAgent:
		policy.Entries = append(policy.Entries, domain.PolicyEntry{Target: m.stableAsset, Selector: selApprove})
		policy.ApproveSpenders = append(policy.ApproveSpenders, session.ApprovedVaults...)
		for _, vault := range session.ApprovedVaults {
			policy.Entries = append(policy.Entries,
				domain.PolicyEntry{Target: vault, Selector: selDeposit},
				domain.PolicyEntry{Target: vault, Selector: selRedeem},
				domain.PolicyEntry{Target: vault, Selector: selWithdraw},
			)
		}
	}
	return policy
}

// Revoke removes the stored session. The on-chain delegation, if any, stays
// live until RevokeOnChain or expiry; without stored key material the agent
// can no longer use it.
func (m *Manager) Revoke(ctx context.Context, owner string, typ domain.SessionType) error {
	if err := m.store.Delete(ctx, owner, typ); err != nil {
		return fmt.Errorf("session: revoke %s: %w", owner, err)
	}
	m.logger.Info("session revoked", "owner", owner)
	return nil
}

// RevokeOnChain verifies an owner-signed zero-target authorization and
// removes the stored session. A session key cannot clear the owner's
// delegation; an authorization only takes effect on the account that signed
// it, so the artifact must recover to the owner's own wallet. The verified
// artifact is returned for the caller to submit.
func (m *Manager) RevokeOnChain(ctx context.Context, owner string, typ domain.SessionType, revocation *domain.SignedDelegation) (*domain.SignedDelegation, error) {
	if _, err := m.store.Get(ctx, owner, typ); err != nil {
		return nil, fmt.Errorf("session: revoke on chain %s: %w", owner, err)
	}

	if revocation == nil {
		return nil, fmt.Errorf("session: revoke on chain %s needs a wallet-signed artifact: %w", owner, domain.ErrBadRevocation)
	}
	if revocation.ChainID != m.chainID {
		return nil, fmt.Errorf("session: revocation is for chain %d, want %d: %w", revocation.ChainID, m.chainID, domain.ErrBadRevocation)
	}
	if !strings.EqualFold(revocation.Target, zeroAddress) {
		return nil, fmt.Errorf("session: revocation targets %s, not the zero address: %w", revocation.Target, domain.ErrBadRevocation)
	}
	authority, err := crypto.RecoverDelegationAuthority(revocation.ChainID, revocation.Target, revocation.Nonce, crypto.DelegationSignature{
		R:       revocation.R,
		S:       revocation.S,
		YParity: revocation.YParity,
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w: %v", domain.ErrBadRevocation, err)
	}
	if !strings.EqualFold(authority, owner) {
		return nil, fmt.Errorf("session: revocation signed by %s, not the owner: %w", authority, domain.ErrBadRevocation)
	}

	// An authorization only applies while its nonce is still current, so a
	// stale artifact would be accepted here and then silently dropped on
	// chain. Reject it instead.
	nonce, err := m.chain.TransactionCount(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("session: reading nonce for revocation: %w", err)
	}
	if revocation.Nonce < nonce {
		return nil, fmt.Errorf("session: revocation nonce %d is behind account nonce %d: %w", revocation.Nonce, nonce, domain.ErrBadRevocation)
	}

	if err := m.store.Delete(ctx, owner, typ); err != nil {
		return nil, fmt.Errorf("session: deleting after revocation: %w", err)
	}

	m.logger.Info("session revoked on chain", "owner", owner, "nonce", revocation.Nonce)
	return revocation, nil
}

func invalid(reason string) domain.SessionValidation {
	return domain.SessionValidation{Valid: false, Reason: reason}
}

func normalizeVaults(vaults []string) []string {
	out := make([]string, 0, len(vaults))
	seen := make(map[string]struct{}, len(vaults))
	for _, v := range vaults {
		key := strings.ToLower(v)
		if v == "" || key == strings.ToLower(zeroAddress) {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
