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

// PrefsStore implements domain.PrefsStore.
type PrefsStore struct {
	pool *pgxpool.Pool
}

func NewPrefsStore(pool *pgxpool.Pool) *PrefsStore {
	return &PrefsStore{pool: pool}
}

func (s *PrefsStore) Upsert(ctx context.Context, prefs domain.UserPrefs) error {
	const query = `
		INSERT INTO user_prefs (owner, auto_optimize, agent_registered, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (owner) DO UPDATE SET
			auto_optimize = EXCLUDED.auto_optimize,
			agent_registered = EXCLUDED.agent_registered,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		strings.ToLower(prefs.Owner), prefs.AutoOptimize, prefs.AgentRegistered,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert prefs for %s: %w", prefs.Owner, err)
	}
	return nil
}

func (s *PrefsStore) Get(ctx context.Context, owner string) (domain.UserPrefs, error) {
	var prefs domain.UserPrefs
	err := s.pool.QueryRow(ctx,
		`SELECT owner, auto_optimize, agent_registered, updated_at
		 FROM user_prefs WHERE owner = $1`,
		strings.ToLower(owner),
	).Scan(&prefs.Owner, &prefs.AutoOptimize, &prefs.AgentRegistered, &prefs.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserPrefs{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.UserPrefs{}, fmt.Errorf("postgres: get prefs for %s: %w", owner, err)
	}
	return prefs, nil
}

// ListRegistered returns every agent-registered owner. Auto-optimize and
// session liveness are deliberately not filtered here; the scheduler checks
// them per user so opted-out users still show up in run summaries.
func (s *PrefsStore) ListRegistered(ctx context.Context) ([]domain.UserPrefs, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner, auto_optimize, agent_registered, updated_at
		 FROM user_prefs
		 WHERE agent_registered
		 ORDER BY owner`,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list registered users: %w", err)
	}
	defer rows.Close()

	var out []domain.UserPrefs
	for rows.Next() {
		var prefs domain.UserPrefs
		if err := rows.Scan(&prefs.Owner, &prefs.AutoOptimize, &prefs.AgentRegistered, &prefs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan prefs: %w", err)
		}
		out = append(out, prefs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate prefs: %w", err)
	}
	return out, nil
}
