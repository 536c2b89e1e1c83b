package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stablefi/yieldagent/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL. Owners are
// stored lowercased so lookups are case-insensitive over hex addresses.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Upsert inserts or replaces the (owner, type) session. The encrypted key
// column stores only sealed bytes; plaintext never reaches this layer.
func (s *SessionStore) Upsert(ctx context.Context, auth domain.SessionAuthorization) error {
	var (
		delegationChain  *int64
		delegationTarget *string
		delegationNonce  *int64
		delegationR      *string
		delegationS      *string
		delegationParity *int16
	)
	if d := auth.Delegation; d != nil {
		delegationChain = &d.ChainID
		delegationTarget = &d.Target
		nonce := int64(d.Nonce)
		delegationNonce = &nonce
		delegationR = &d.R
		delegationS = &d.S
		parity := int16(d.YParity)
		delegationParity = &parity
	}

	const query = `
		INSERT INTO agent_sessions (
			owner, session_type, session_address, encrypted_key,
			approved_vaults, delegation_chain_id, delegation_target,
			delegation_nonce, delegation_r, delegation_s,
			delegation_y_parity, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW()
		)
		ON CONFLICT (owner, session_type) DO UPDATE SET
			session_address = EXCLUDED.session_address,
			encrypted_key = EXCLUDED.encrypted_key,
			approved_vaults = EXCLUDED.approved_vaults,
			delegation_chain_id = EXCLUDED.delegation_chain_id,
			delegation_target = EXCLUDED.delegation_target,
			delegation_nonce = EXCLUDED.delegation_nonce,
			delegation_r = EXCLUDED.delegation_r,
			delegation_s = EXCLUDED.delegation_s,
			delegation_y_parity = EXCLUDED.delegation_y_parity,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		strings.ToLower(auth.Owner), string(auth.Type),
		auth.SessionAddress, auth.EncryptedKey,
		auth.ApprovedVaults,
		delegationChain, delegationTarget, delegationNonce,
		delegationR, delegationS, delegationParity,
		auth.ExpiresAt, auth.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert session %s/%s: %w", auth.Owner, auth.Type, err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, owner string, typ domain.SessionType) (domain.SessionAuthorization, error) {
	const query = `
		SELECT owner, session_type, session_address, encrypted_key,
			approved_vaults, delegation_chain_id, delegation_target,
			delegation_nonce, delegation_r, delegation_s,
			delegation_y_parity, expires_at, created_at
		FROM agent_sessions
		WHERE owner = $1 AND session_type = $2`

	row := s.pool.QueryRow(ctx, query, strings.ToLower(owner), string(typ))

	var (
		auth             domain.SessionAuthorization
		sessionType      string
		delegationChain  *int64
		delegationTarget *string
		delegationNonce  *int64
		delegationR      *string
		delegationS      *string
		delegationParity *int16
	)
	err := row.Scan(
		&auth.Owner, &sessionType, &auth.SessionAddress, &auth.EncryptedKey,
		&auth.ApprovedVaults,
		&delegationChain, &delegationTarget, &delegationNonce,
		&delegationR, &delegationS, &delegationParity,
		&auth.ExpiresAt, &auth.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionAuthorization{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SessionAuthorization{}, fmt.Errorf("postgres: get session %s/%s: %w", owner, typ, err)
	}

	auth.Type = domain.SessionType(sessionType)
	if delegationTarget != nil {
		auth.Delegation = &domain.SignedDelegation{
			Target: *delegationTarget,
		}
		if delegationChain != nil {
			auth.Delegation.ChainID = *delegationChain
		}
		if delegationNonce != nil {
			auth.Delegation.Nonce = uint64(*delegationNonce)
		}
		if delegationR != nil {
			auth.Delegation.R = *delegationR
		}
		if delegationS != nil {
			auth.Delegation.S = *delegationS
		}
		if delegationParity != nil {
			auth.Delegation.YParity = uint8(*delegationParity)
		}
	}
	return auth, nil
}

func (s *SessionStore) Delete(ctx context.Context, owner string, typ domain.SessionType) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_sessions WHERE owner = $1 AND session_type = $2`,
		strings.ToLower(owner), string(typ),
	)
	if err != nil {
		return fmt.Errorf("postgres: delete session %s/%s: %w", owner, typ, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
