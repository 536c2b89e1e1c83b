package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stablefi/yieldagent/internal/domain"
)

// ActionStore implements domain.ActionStore. The table is append-only: rows
// are inserted once and only the terminal status/tx_hash are ever updated.
type ActionStore struct {
	pool *pgxpool.Pool
}

func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

const actionColumns = `id, owner, action_type, status, amount_usd,
	from_protocol, to_protocol, tx_hash, metadata, created_at`

func (s *ActionStore) Create(ctx context.Context, action domain.AgentAction) error {
	const query = `
		INSERT INTO agent_actions (
			id, owner, action_type, status, amount_usd,
			from_protocol, to_protocol, tx_hash, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		action.ID, strings.ToLower(action.Owner),
		string(action.Type), string(action.Status),
		action.AmountUSD,
		string(action.FromProtocol), string(action.ToProtocol),
		action.TxHash, action.Metadata, action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create action %s: %w", action.ID, err)
	}
	return nil
}

func (s *ActionStore) UpdateStatus(ctx context.Context, id string, status domain.ActionStatus, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_actions SET status = $2, tx_hash = $3 WHERE id = $1`,
		id, string(status), txHash,
	)
	if err != nil {
		return fmt.Errorf("postgres: update action %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *ActionStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.AgentAction, error) {
	query := `SELECT ` + actionColumns + ` FROM agent_actions WHERE owner = $1`
	args := []any{strings.ToLower(owner)}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions for %s: %w", owner, err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListBefore returns every action older than the cutoff, oldest first, for
// archival. Callers are expected to DeleteBefore the same cutoff afterwards.
func (s *ActionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.AgentAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM agent_actions WHERE created_at < $1 ORDER BY created_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()
	return scanActions(rows)
}

func (s *ActionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_actions WHERE created_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete actions before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func scanActions(rows pgx.Rows) ([]domain.AgentAction, error) {
	var actions []domain.AgentAction
	for rows.Next() {
		var (
			a            domain.AgentAction
			actionType   string
			status       string
			fromProtocol string
			toProtocol   string
		)
		err := rows.Scan(
			&a.ID, &a.Owner, &actionType, &status, &a.AmountUSD,
			&fromProtocol, &toProtocol, &a.TxHash, &a.Metadata, &a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		a.Type = domain.ActionType(actionType)
		a.Status = domain.ActionStatus(status)
		a.FromProtocol = domain.Protocol(fromProtocol)
		a.ToProtocol = domain.Protocol(toProtocol)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate actions: %w", err)
	}
	return actions, nil
}
