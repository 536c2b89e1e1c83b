package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// UserPrefs holds the per-user flags the scheduler uses to select the
// set of users it works through.
type UserPrefs struct {
	Owner           string
	AutoOptimize    bool
	AgentRegistered bool
	UpdatedAt       time.Time
}

// SessionStore persists session authorizations. At most one live
// authorization exists per (owner, type); Upsert supersedes any prior one.
type SessionStore interface {
	Upsert(ctx context.Context, auth SessionAuthorization) error
	Get(ctx context.Context, owner string, typ SessionType) (SessionAuthorization, error)
	Delete(ctx context.Context, owner string, typ SessionType) error
}

// ActionStore persists the append-only agent action log.
type ActionStore interface {
	Create(ctx context.Context, action AgentAction) error
	UpdateStatus(ctx context.Context, id string, status ActionStatus, txHash string) error
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]AgentAction, error)
	ListBefore(ctx context.Context, before time.Time) ([]AgentAction, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// PrefsStore persists user preference flags.
type PrefsStore interface {
	Upsert(ctx context.Context, prefs UserPrefs) error
	Get(ctx context.Context, owner string) (UserPrefs, error)
	// ListRegistered returns owners with agent_registered set. The
	// scheduler checks auto_optimize and session liveness per user so
	// disabled users still surface in the run summary.
	ListRegistered(ctx context.Context) ([]UserPrefs, error)
}
