package domain

import (
	"context"
	"time"
)

// LockManager provides distributed mutual exclusion. The scheduler holds one
// lock per user for the duration of that user's pipeline; the bounded TTL
// guarantees a crashed holder cannot starve future runs.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// ActionsChannel is the signal bus channel action events are published on.
const ActionsChannel = "agent.actions"

// SignalBus provides pub/sub fan-out of agent events (action log entries,
// status changes) to the WebSocket hub and other consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
